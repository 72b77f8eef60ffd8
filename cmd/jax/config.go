package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jax-protocol/jax/pkg/blobstore"
	"github.com/jax-protocol/jax/pkg/log"
	"github.com/jax-protocol/jax/pkg/oplog"
)

// Config is the daemon configuration, stored as YAML in the data
// directory.
type Config struct {
	// DataDir holds the databases, object store, and identity key.
	DataDir string `yaml:"data_dir"`
	// ListenAddr is the peer listener address.
	ListenAddr string `yaml:"listen_addr"`
	// MetricsAddr serves Prometheus metrics; empty disables it.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogJSON selects JSON log output.
	LogJSON bool `yaml:"log_json"`
	// Resolver selects the conflict resolution strategy:
	// conflict_file (default), last_write_wins, base_wins, fork.
	Resolver string `yaml:"resolver"`
	// Storage selects and configures the object store backend.
	Storage blobstore.StorageConfig `yaml:"storage"`
	// RecoverOnStart rebuilds blob metadata from the object store at
	// boot.
	RecoverOnStart bool `yaml:"recover_on_start,omitempty"`
}

// DefaultConfig returns the configuration written by `jax init`.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:     dataDir,
		ListenAddr:  "0.0.0.0:4433",
		MetricsAddr: "127.0.0.1:9600",
		LogLevel:    "info",
		LogJSON:     true,
		Resolver:    "conflict_file",
		Storage: blobstore.StorageConfig{
			Backend: blobstore.BackendLocal,
			Path:    filepath.Join(dataDir, "objects"),
		},
	}
}

// LoadConfig reads the config file from the data directory.
func LoadConfig(dataDir string) (*Config, error) {
	data, err := os.ReadFile(configPath(dataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := DefaultConfig(dataDir)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Write stores the config file in the data directory.
func (c *Config) Write() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath(c.DataDir), data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func configPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

func identityPath(dataDir string) string {
	return filepath.Join(dataDir, "identity.key")
}

// logLevel maps the config string onto the log package's levels.
func (c *Config) logLevel() log.Level {
	switch c.LogLevel {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// resolver constructs the configured conflict resolver.
func (c *Config) resolver() (oplog.ConflictResolver, error) {
	switch c.Resolver {
	case "", "conflict_file":
		return oplog.NewConflictFile(), nil
	case "last_write_wins":
		return oplog.NewLastWriteWins(), nil
	case "base_wins":
		return oplog.NewBaseWins(), nil
	case "fork":
		return oplog.NewForkOnConflict(), nil
	default:
		return nil, fmt.Errorf("unknown resolver %q", c.Resolver)
	}
}
