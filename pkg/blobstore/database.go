package blobstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// BlobState tracks the lifecycle of a stored blob.
type BlobState string

const (
	// BlobStatePartial marks a blob whose import is still in progress.
	BlobStatePartial BlobState = "partial"
	// BlobStateComplete marks a fully stored, readable blob.
	BlobStateComplete BlobState = "complete"
)

// BlobMetadata is the metadata row the database keeps per blob. The object
// store holds the bytes; this row is authoritative for presence.
type BlobMetadata struct {
	Hash        string
	Size        int64
	HasOutboard bool
	State       BlobState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Tag is a named reference to a blob.
type Tag struct {
	Name      string
	Hash      string
	Format    string
	CreatedAt time.Time
}

// Database manages blob store metadata in SQLite.
type Database struct {
	db *sql.DB
}

// NewDatabase opens (creating if necessary) a file-backed metadata
// database and runs migrations.
func NewDatabase(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// memDBSeq distinguishes in-memory databases so concurrent instances do
// not share state through SQLite's shared cache.
var memDBSeq atomic.Uint64

// NewMemoryDatabase opens an in-memory metadata database. Metadata can be
// rebuilt from the object store on restart via Recover.
func NewMemoryDatabase() (*Database, error) {
	// cache=shared keeps the schema visible across pooled connections.
	name := fmt.Sprintf("file:blobmeta%d?mode=memory&cache=shared", memDBSeq.Add(1))
	db, err := sql.Open("sqlite3", name)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blobs (
			hash TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			has_outboard INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			name TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			format TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_hash ON tags(hash)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// InsertBlob records a complete blob. Re-inserting the same hash updates
// the row in place, which makes Put idempotent over identical bytes.
func (d *Database) InsertBlob(hash string, size int64, hasOutboard bool) error {
	now := time.Now().Unix()
	_, err := d.db.Exec(`
		INSERT INTO blobs (hash, size, has_outboard, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			size = excluded.size,
			has_outboard = excluded.has_outboard,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		hash, size, boolToInt(hasOutboard), string(BlobStateComplete), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert blob %s: %w", hash, err)
	}
	return nil
}

// InsertPartialBlob records a blob whose import is in progress.
func (d *Database) InsertPartialBlob(hash string, size int64, hasOutboard bool) error {
	now := time.Now().Unix()
	_, err := d.db.Exec(`
		INSERT INTO blobs (hash, size, has_outboard, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			size = excluded.size,
			has_outboard = excluded.has_outboard,
			updated_at = excluded.updated_at`,
		hash, size, boolToInt(hasOutboard), string(BlobStatePartial), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert partial blob %s: %w", hash, err)
	}
	return nil
}

// GetBlob returns the metadata row for a hash, or nil when absent.
func (d *Database) GetBlob(hash string) (*BlobMetadata, error) {
	row := d.db.QueryRow(`
		SELECT hash, size, has_outboard, state, created_at, updated_at
		FROM blobs WHERE hash = ?`, hash)

	var m BlobMetadata
	var hasOutboard int
	var created, updated int64
	err := row.Scan(&m.Hash, &m.Size, &hasOutboard, (*string)(&m.State), &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	m.HasOutboard = hasOutboard != 0
	m.CreatedAt = time.Unix(created, 0)
	m.UpdatedAt = time.Unix(updated, 0)
	return &m, nil
}

// HasBlob reports whether a complete blob row exists.
func (d *Database) HasBlob(hash string) (bool, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM blobs WHERE hash = ? AND state = ?`,
		hash, string(BlobStateComplete)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check blob %s: %w", hash, err)
	}
	return n > 0, nil
}

// GetBlobState returns the state of a blob, or "" when the blob is unknown.
func (d *Database) GetBlobState(hash string) (BlobState, error) {
	var state string
	err := d.db.QueryRow(`SELECT state FROM blobs WHERE hash = ?`, hash).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read blob state %s: %w", hash, err)
	}
	return BlobState(state), nil
}

// DeleteBlob removes the metadata row for a hash.
func (d *Database) DeleteBlob(hash string) error {
	if _, err := d.db.Exec(`DELETE FROM blobs WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", hash, err)
	}
	return nil
}

// ListBlobs returns the hashes of all complete blobs.
func (d *Database) ListBlobs() ([]string, error) {
	rows, err := d.db.Query(`SELECT hash FROM blobs WHERE state = ? ORDER BY hash`,
		string(BlobStateComplete))
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// CountBlobs returns the number of complete blobs.
func (d *Database) CountBlobs() (int64, error) {
	var n int64
	err := d.db.QueryRow(`SELECT COUNT(*) FROM blobs WHERE state = ?`,
		string(BlobStateComplete)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count blobs: %w", err)
	}
	return n, nil
}

// TotalSize returns the total byte size of all complete blobs.
func (d *Database) TotalSize() (int64, error) {
	var size sql.NullInt64
	err := d.db.QueryRow(`SELECT SUM(size) FROM blobs WHERE state = ?`,
		string(BlobStateComplete)).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to sum blob sizes: %w", err)
	}
	return size.Int64, nil
}

// SetTag creates or replaces a named reference to a blob.
func (d *Database) SetTag(name, hash, format string) error {
	_, err := d.db.Exec(`
		INSERT INTO tags (name, hash, format, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			hash = excluded.hash,
			format = excluded.format`,
		name, hash, format, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set tag %s: %w", name, err)
	}
	return nil
}

// GetTag returns a tag by name, or nil when absent.
func (d *Database) GetTag(name string) (*Tag, error) {
	row := d.db.QueryRow(`SELECT name, hash, format, created_at FROM tags WHERE name = ?`, name)
	var t Tag
	var created int64
	err := row.Scan(&t.Name, &t.Hash, &t.Format, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tag %s: %w", name, err)
	}
	t.CreatedAt = time.Unix(created, 0)
	return &t, nil
}

// ListTags returns all tags ordered by name.
func (d *Database) ListTags() ([]Tag, error) {
	rows, err := d.db.Query(`SELECT name, hash, format, created_at FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		var created int64
		if err := rows.Scan(&t.Name, &t.Hash, &t.Format, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(created, 0)
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// DeleteTag removes a tag by name.
func (d *Database) DeleteTag(name string) error {
	if _, err := d.db.Exec(`DELETE FROM tags WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete tag %s: %w", name, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
