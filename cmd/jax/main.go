package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jax-protocol/jax/pkg/blobstore"
	"github.com/jax-protocol/jax/pkg/bucketlog"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/events"
	"github.com/jax-protocol/jax/pkg/log"
	"github.com/jax-protocol/jax/pkg/peer"
	"github.com/jax-protocol/jax/pkg/peerstore"
	"github.com/jax-protocol/jax/pkg/reconcile"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var dataDir string

	root := &cobra.Command{
		Use:   "jax",
		Short: "Jax is a peer-to-peer, content-addressed filesystem daemon",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "data directory")

	root.AddCommand(versionCmd())
	root.AddCommand(initCmd(&dataDir))
	root.AddCommand(daemonCmd(&dataDir))
	root.AddCommand(peersCmd(&dataDir))
	return root
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jax"
	}
	return filepath.Join(home, ".jax")
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("jax", version)
		},
	}
}

func initCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate an identity and a default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := DefaultConfig(*dataDir)
			if _, err := os.Stat(configPath(cfg.DataDir)); err == nil {
				return fmt.Errorf("config already exists at %s", configPath(cfg.DataDir))
			}
			if err := cfg.Write(); err != nil {
				return err
			}

			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			if err := os.WriteFile(identityPath(cfg.DataDir), []byte(key.Hex()+"\n"), 0600); err != nil {
				return fmt.Errorf("failed to write identity: %w", err)
			}

			fmt.Println("initialized", cfg.DataDir)
			fmt.Println("peer id:", key.Public())
			return nil
		},
	}
}

func loadIdentity(dataDir string) (*crypto.SecretKey, error) {
	data, err := os.ReadFile(identityPath(dataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read identity (run `jax init`?): %w", err)
	}
	return crypto.ParseSecretKey(strings.TrimSpace(string(data)))
}

func daemonCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the Jax daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*dataDir)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
}

func runDaemon(cfg *Config) error {
	log.Init(log.Config{Level: cfg.logLevel(), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("daemon")

	key, err := loadIdentity(cfg.DataDir)
	if err != nil {
		return err
	}
	logger.Info().Str("peer_id", key.Public().Hex()).Msg("starting jax daemon")

	resolver, err := cfg.resolver()
	if err != nil {
		return err
	}

	// Storage: SQLite metadata beside the configured object store.
	blobDB, err := blobstore.NewDatabase(filepath.Join(cfg.DataDir, "blobs.db"))
	if err != nil {
		return err
	}
	storage, err := blobstore.NewStorage(cfg.Storage)
	if err != nil {
		return err
	}
	blobs := blobstore.New(blobDB, storage)
	defer blobs.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RecoverOnStart {
		stats, err := blobs.Recover(ctx)
		if err != nil {
			return fmt.Errorf("blob recovery failed: %w", err)
		}
		logger.Info().Int("found", stats.Found).Int("added", stats.Added).
			Msg("blob metadata recovery complete")
	}

	logs, err := bucketlog.Open(filepath.Join(cfg.DataDir, "jax.db"))
	if err != nil {
		return err
	}
	defer logs.Close()

	peers, err := peerstore.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer peers.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	transport := newTCPTransport(key, peers)
	fetcher := newBlobFetcher(transport, blobs)

	node, worker := peer.NewBuilder().
		Logs(logs).
		Blobs(blobs).
		Secret(key).
		Transport(transport).
		Downloader(fetcher).
		Build()
	worker.SetEvents(broker)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	defer listener.Close()
	logger.Info().Str("addr", listener.Addr().String()).Msg("peer listener started")

	go transport.serve(listener, node, newBlobServer(blobs))
	go worker.Run(ctx)
	defer worker.Stop()

	reconciler := reconcile.New(logs, blobs, key, resolver)
	reconciler.SetEvents(broker)
	reconciler.Start(ctx)
	defer reconciler.Stop()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server started")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	return nil
}

func peersCmd(dataDir *string) *cobra.Command {
	peersRoot := &cobra.Command{
		Use:   "peers",
		Short: "Manage the peer address book",
	}

	peersRoot.AddCommand(&cobra.Command{
		Use:   "add <public-key-hex> <addr> [name]",
		Short: "Record a peer's dial address",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := crypto.ParsePublicKey(args[0])
			if err != nil {
				return err
			}
			store, err := peerstore.NewStore(*dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			known, err := store.Get(id)
			if err != nil {
				return err
			}
			if known == nil {
				known = &peerstore.KnownPeer{PublicKey: id.Hex()}
			}
			known.Addresses = appendUnique(known.Addresses, args[1])
			if len(args) == 3 {
				known.Name = args[2]
			}
			return store.Put(known)
		},
	})

	peersRoot.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List known peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := peerstore.NewStore(*dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			known, err := store.List()
			if err != nil {
				return err
			}
			for _, p := range known {
				fmt.Printf("%s\t%s\t%s\n", p.PublicKey, p.Name, strings.Join(p.Addresses, ","))
			}
			return nil
		},
	})

	return peersRoot
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
