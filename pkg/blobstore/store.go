package blobstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jax-protocol/jax/pkg/codec"
	"github.com/jax-protocol/jax/pkg/log"
	"github.com/jax-protocol/jax/pkg/metrics"
	"github.com/jax-protocol/jax/pkg/types"
)

// commandQueueSize bounds the actor's inbox.
const commandQueueSize = 256

// RecoveryStats reports the outcome of a Recover pass.
type RecoveryStats struct {
	// Found is the number of objects enumerated in the object store.
	Found int
	// Added is the number of metadata rows recreated.
	Added int
	// Existing is the number of objects that already had metadata.
	Existing int
	// Errors is the number of objects that could not be read or recorded.
	Errors int
}

// Store is a content-addressed blob store combining SQLite metadata with a
// pluggable object store. All state-mutating operations are serialised
// through a single actor goroutine; the Store value itself is a cheap
// handle that can be copied freely across tasks, so readers run
// concurrently while writes to the same hash cannot race.
type Store struct {
	inner *storeInner
}

type storeInner struct {
	db            *Database
	storage       Storage
	maxImportSize uint64
	logger        zerolog.Logger

	cmds      chan command
	done      chan struct{}
	closeOnce sync.Once
}

type command struct {
	fn   func(ctx context.Context) error
	ctx  context.Context
	errc chan error
}

// Option configures a Store.
type Option func(*storeInner)

// WithMaxImportSize overrides the cap on incoming BAO streams.
func WithMaxImportSize(n uint64) Option {
	return func(s *storeInner) { s.maxImportSize = n }
}

// New creates a Store over the given metadata database and object store
// and starts its actor.
func New(db *Database, storage Storage, opts ...Option) *Store {
	inner := &storeInner{
		db:            db,
		storage:       storage,
		maxImportSize: DefaultMaxImportSize,
		logger:        log.WithComponent("blobstore"),
		cmds:          make(chan command, commandQueueSize),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(inner)
	}
	go inner.run()
	return &Store{inner: inner}
}

// NewLocal creates a store rooted at dataDir: metadata at
// dataDir/blobs.db, objects under dataDir/objects.
func NewLocal(dataDir string, opts ...Option) (*Store, error) {
	db, err := NewDatabase(filepath.Join(dataDir, "blobs.db"))
	if err != nil {
		return nil, err
	}
	storage, err := NewLocalStorage(filepath.Join(dataDir, "objects"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return New(db, storage, opts...), nil
}

// NewEphemeral creates a fully in-memory store. Useful for tests.
func NewEphemeral(opts ...Option) (*Store, error) {
	db, err := NewMemoryDatabase()
	if err != nil {
		return nil, err
	}
	return New(db, NewMemoryStorage(), opts...), nil
}

func (s *storeInner) run() {
	for {
		select {
		case cmd := <-s.cmds:
			cmd.errc <- cmd.fn(cmd.ctx)
		case <-s.done:
			return
		}
	}
}

// do submits fn to the actor and waits for its result.
func (s *Store) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, ctx: ctx, errc: make(chan error, 1)}
	select {
	case s.inner.cmds <- cmd:
	case <-s.inner.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.errc:
		return err
	case <-s.inner.done:
		return ErrClosed
	}
}

// Close stops the actor and closes the metadata database.
func (s *Store) Close() error {
	var err error
	s.inner.closeOnce.Do(func() {
		close(s.inner.done)
		err = s.inner.db.Close()
	})
	return err
}

// Put stores data and returns its content hash. Blobs above the outboard
// threshold get a BAO outboard written beside the data object. Idempotent
// over identical bytes.
func (s *Store) Put(ctx context.Context, data []byte) (types.Hash, error) {
	hash := types.ComputeHash(data)
	err := s.do(ctx, func(ctx context.Context) error {
		return s.inner.put(ctx, hash, data)
	})
	return hash, err
}

func (s *storeInner) put(ctx context.Context, hash types.Hash, data []byte) error {
	hashStr := hash.String()
	s.logger.Debug().Str("hash", hashStr).Int("size", len(data)).Msg("storing blob")

	hasOutboard := len(data) > OutboardThreshold
	if hasOutboard {
		outboard, _ := computeOutboard(data)
		if err := s.storage.PutOutboard(ctx, hashStr, outboard); err != nil {
			return err
		}
	}
	// Object first, metadata last: a crash in between leaves an orphan
	// object that Recover can heal.
	if err := s.storage.PutData(ctx, hashStr, data); err != nil {
		return err
	}
	if err := s.db.InsertBlob(hashStr, int64(len(data)), hasOutboard); err != nil {
		return err
	}

	metrics.BlobsStoredTotal.Inc()
	metrics.BlobBytesStoredTotal.Add(float64(len(data)))
	return nil
}

// PutWithOutboard stores data together with an outboard already produced
// by streamed verification.
func (s *Store) PutWithOutboard(ctx context.Context, data, outboard []byte) (types.Hash, error) {
	hash := types.ComputeHash(data)
	err := s.do(ctx, func(ctx context.Context) error {
		hashStr := hash.String()
		hasOutboard := len(outboard) > 0
		if hasOutboard {
			if err := s.inner.storage.PutOutboard(ctx, hashStr, outboard); err != nil {
				return err
			}
		}
		if err := s.inner.storage.PutData(ctx, hashStr, data); err != nil {
			return err
		}
		if err := s.inner.db.InsertBlob(hashStr, int64(len(data)), hasOutboard); err != nil {
			return err
		}
		metrics.BlobsStoredTotal.Inc()
		metrics.BlobBytesStoredTotal.Add(float64(len(data)))
		return nil
	})
	return hash, err
}

// InsertPartial records a blob whose streamed import has begun.
func (s *Store) InsertPartial(ctx context.Context, hash types.Hash, size uint64) error {
	return s.do(ctx, func(context.Context) error {
		return s.inner.db.InsertPartialBlob(hash.String(), int64(size), size > OutboardThreshold)
	})
}

// Get returns the blob bytes for hash. Returns ErrNotFound when no
// complete blob exists.
func (s *Store) Get(ctx context.Context, hash types.Hash) ([]byte, error) {
	hashStr := hash.String()
	has, err := s.inner.db.HasBlob(hashStr)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hashStr)
	}
	data, err := s.inner.storage.GetData(ctx, hashStr)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s has metadata but no object", ErrNotFound, hashStr)
	}
	return data, nil
}

// Has reports whether a complete blob exists for hash.
func (s *Store) Has(ctx context.Context, hash types.Hash) (bool, error) {
	return s.inner.db.HasBlob(hash.String())
}

// State returns the lifecycle state of a blob, or "" when unknown.
func (s *Store) State(ctx context.Context, hash types.Hash) (BlobState, error) {
	return s.inner.db.GetBlobState(hash.String())
}

// Delete removes a blob. Returns true when the blob existed.
func (s *Store) Delete(ctx context.Context, hash types.Hash) (bool, error) {
	existed := false
	err := s.do(ctx, func(ctx context.Context) error {
		hashStr := hash.String()
		meta, err := s.inner.db.GetBlob(hashStr)
		if err != nil {
			return err
		}
		if meta == nil {
			return nil
		}
		existed = true
		if err := s.inner.storage.DeleteData(ctx, hashStr); err != nil {
			return err
		}
		if meta.HasOutboard {
			if err := s.inner.storage.DeleteOutboard(ctx, hashStr); err != nil {
				return err
			}
		}
		return s.inner.db.DeleteBlob(hashStr)
	})
	return existed, err
}

// List returns the hashes of all complete blobs.
func (s *Store) List(ctx context.Context) ([]types.Hash, error) {
	strs, err := s.inner.db.ListBlobs()
	if err != nil {
		return nil, err
	}
	hashes := make([]types.Hash, 0, len(strs))
	for _, str := range strs {
		h, err := types.ParseHash(str)
		if err != nil {
			s.inner.logger.Warn().Str("hash", str).Msg("invalid hash in database, skipping")
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// Count returns the number of complete blobs.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.inner.db.CountBlobs()
}

// TotalSize returns the total byte size of all complete blobs.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	return s.inner.db.TotalSize()
}

// PutCBOR encodes v as deterministic CBOR, stores it, and returns a
// dag-cbor link to the payload.
func (s *Store) PutCBOR(ctx context.Context, v any) (types.Link, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return types.Link{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	hash, err := s.Put(ctx, data)
	if err != nil {
		return types.Link{}, err
	}
	return types.CborLink(hash), nil
}

// GetCBOR reads a blob and decodes its CBOR payload into v.
func (s *Store) GetCBOR(ctx context.Context, hash types.Hash, v any) error {
	data, err := s.Get(ctx, hash)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode payload %s: %w", hash, err)
	}
	return nil
}

// ExportBao produces the verified stream for a blob. An empty ranges
// slice exports the whole blob. The consumer re-verifies each span
// against the root hash.
func (s *Store) ExportBao(ctx context.Context, hash types.Hash, ranges []ByteRange) ([]BaoItem, error) {
	hashStr := hash.String()
	meta, err := s.inner.db.GetBlob(hashStr)
	if err != nil {
		return nil, err
	}
	if meta == nil || meta.State != BlobStateComplete {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hashStr)
	}
	data, err := s.inner.storage.GetData(ctx, hashStr)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s has metadata but no object", ErrNotFound, hashStr)
	}
	var outboard []byte
	if meta.HasOutboard {
		outboard, err = s.inner.storage.GetOutboard(ctx, hashStr)
		if err != nil {
			return nil, err
		}
	}
	return exportBao(data, outboard, ranges)
}

// ImportBao consumes a verified stream for root: verifies the reassembled
// content, records a partial row, then stores and finalizes the blob.
// Nothing is persisted when verification fails.
func (s *Store) ImportBao(ctx context.Context, root types.Hash, items []BaoItem) error {
	return s.do(ctx, func(ctx context.Context) error {
		data, outboard, err := assembleBao(root, items, s.inner.maxImportSize)
		if err != nil {
			return err
		}
		if err := s.inner.db.InsertPartialBlob(root.String(), int64(len(data)), len(outboard) > 0); err != nil {
			return err
		}
		hashStr := root.String()
		if len(outboard) > 0 {
			if err := s.inner.storage.PutOutboard(ctx, hashStr, outboard); err != nil {
				return err
			}
		}
		if err := s.inner.storage.PutData(ctx, hashStr, data); err != nil {
			return err
		}
		if err := s.inner.db.InsertBlob(hashStr, int64(len(data)), len(outboard) > 0); err != nil {
			return err
		}
		metrics.BlobsStoredTotal.Inc()
		metrics.BlobBytesStoredTotal.Add(float64(len(data)))
		return nil
	})
}

// Recover enumerates the object store and recreates missing metadata
// rows. Idempotent: a second pass reports everything as existing. Objects
// that cannot be read are logged and counted, never deleted.
func (s *Store) Recover(ctx context.Context) (RecoveryStats, error) {
	var stats RecoveryStats
	err := s.do(ctx, func(ctx context.Context) error {
		s.inner.logger.Info().Msg("starting recovery from object storage")

		hashes, err := s.inner.storage.ListDataHashes(ctx)
		if err != nil {
			return err
		}

		for _, hashStr := range hashes {
			stats.Found++
			if stats.Found%1000 == 0 {
				s.inner.logger.Info().
					Int("found", stats.Found).
					Int("added", stats.Added).
					Msg("recovery progress")
			}

			has, err := s.inner.db.HasBlob(hashStr)
			if err != nil {
				return err
			}
			if has {
				stats.Existing++
				continue
			}

			data, err := s.inner.storage.GetData(ctx, hashStr)
			if err != nil {
				s.inner.logger.Warn().Err(err).Str("hash", hashStr).
					Msg("failed to read blob during recovery")
				stats.Errors++
				continue
			}
			if data == nil {
				s.inner.logger.Warn().Str("hash", hashStr).
					Msg("blob listed but not found in storage")
				stats.Errors++
				continue
			}

			hasOutboard := len(data) > OutboardThreshold
			if hasOutboard {
				outboard, err := s.inner.storage.GetOutboard(ctx, hashStr)
				if err == nil && outboard == nil {
					// The outboard is derivable from the data, rebuild it.
					rebuilt, _ := computeOutboard(data)
					if err := s.inner.storage.PutOutboard(ctx, hashStr, rebuilt); err != nil {
						s.inner.logger.Warn().Err(err).Str("hash", hashStr).
							Msg("failed to rebuild outboard during recovery")
					}
				}
			}

			if err := s.inner.db.InsertBlob(hashStr, int64(len(data)), hasOutboard); err != nil {
				s.inner.logger.Warn().Err(err).Str("hash", hashStr).
					Msg("failed to insert recovered blob metadata")
				stats.Errors++
				continue
			}
			stats.Added++
		}

		s.inner.logger.Info().
			Int("found", stats.Found).
			Int("added", stats.Added).
			Int("existing", stats.Existing).
			Int("errors", stats.Errors).
			Msg("recovery complete")
		return nil
	})
	return stats, err
}

// SetTag creates or replaces a named reference to a blob.
func (s *Store) SetTag(ctx context.Context, name string, hash types.Hash, format string) error {
	return s.do(ctx, func(context.Context) error {
		return s.inner.db.SetTag(name, hash.String(), format)
	})
}

// GetTag returns a tag by name, or nil when absent.
func (s *Store) GetTag(ctx context.Context, name string) (*Tag, error) {
	return s.inner.db.GetTag(name)
}

// ListTags returns all tags.
func (s *Store) ListTags(ctx context.Context) ([]Tag, error) {
	return s.inner.db.ListTags()
}

// DeleteTag removes a tag by name.
func (s *Store) DeleteTag(ctx context.Context, name string) error {
	return s.do(ctx, func(context.Context) error {
		return s.inner.db.DeleteTag(name)
	})
}
