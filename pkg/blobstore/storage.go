package blobstore

import (
	"context"
	"fmt"
)

// Storage is the object store behind the blob store. It holds two
// namespaces addressed by hex hash: data objects and BAO outboards.
// The metadata database, not the object store, is authoritative for
// presence; a listed object without metadata is an orphan that Recover
// will heal.
type Storage interface {
	PutData(ctx context.Context, hash string, data []byte) error
	GetData(ctx context.Context, hash string) ([]byte, error)
	DeleteData(ctx context.Context, hash string) error

	PutOutboard(ctx context.Context, hash string, data []byte) error
	GetOutboard(ctx context.Context, hash string) ([]byte, error)
	DeleteOutboard(ctx context.Context, hash string) error

	// ListDataHashes enumerates every hash in the data namespace.
	ListDataHashes(ctx context.Context) ([]string, error)
}

// StorageBackend selects an object store implementation.
type StorageBackend string

const (
	BackendLocal  StorageBackend = "local"
	BackendMemory StorageBackend = "memory"
	BackendS3     StorageBackend = "s3"
)

// StorageConfig configures the object store. Switching backends is a
// configuration change; the stored layout is identical.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	// Path is the root directory for the local backend.
	Path string `yaml:"path,omitempty"`
	// S3 settings, used when Backend is "s3".
	S3 S3Config `yaml:"s3,omitempty"`
}

// S3Config holds connection settings for an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region,omitempty"`
	UseSSL    bool   `yaml:"use_ssl,omitempty"`
}

// NewStorage constructs the configured object store backend.
func NewStorage(cfg StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case BackendLocal:
		return NewLocalStorage(cfg.Path)
	case BackendMemory:
		return NewMemoryStorage(), nil
	case BackendS3:
		return NewS3Storage(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
