package bucketlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jax-protocol/jax/pkg/types"
)

// DB is the SQLite-backed bucket log provider. It also hosts the merge
// log, which shares the same database file and transaction domain.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) a file-backed bucket log database.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// memDBSeq distinguishes in-memory databases so concurrent instances do
// not share state through SQLite's shared cache.
var memDBSeq atomic.Uint64

// OpenMemory opens an in-memory bucket log database for tests.
func OpenMemory() (*DB, error) {
	name := fmt.Sprintf("file:bucketlog%d?mode=memory&cache=shared&_busy_timeout=5000", memDBSeq.Add(1))
	db, err := sql.Open("sqlite3", name)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS buckets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'synced',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bucket_log (
			bucket_id TEXT NOT NULL,
			name TEXT NOT NULL,
			current_link TEXT NOT NULL,
			previous_link TEXT,
			height INTEGER NOT NULL,
			published INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (bucket_id, height, current_link)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bucket_log_link ON bucket_log(bucket_id, current_link)`,
		`CREATE TABLE IF NOT EXISTS merge_log (
			bucket_id TEXT NOT NULL,
			link_from TEXT NOT NULL,
			height_from INTEGER NOT NULL,
			link_onto TEXT NOT NULL,
			height_onto INTEGER NOT NULL,
			result_link TEXT NOT NULL,
			result_height INTEGER NOT NULL,
			ops_merged INTEGER NOT NULL,
			merged_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_merge_log_bucket ON merge_log(bucket_id)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bucket_log WHERE bucket_id = ?`, id.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check bucket %s: %w", id, err)
	}
	return n > 0, nil
}

func (d *DB) Height(ctx context.Context, id uuid.UUID) (uint64, error) {
	var height sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT MAX(height) FROM bucket_log WHERE bucket_id = ?`, id.String()).Scan(&height)
	if err != nil {
		return 0, fmt.Errorf("failed to read bucket height %s: %w", id, err)
	}
	if !height.Valid {
		return 0, fmt.Errorf("%w: bucket %s is empty", ErrHeadNotFound, id)
	}
	return uint64(height.Int64), nil
}

func (d *DB) Heads(ctx context.Context, id uuid.UUID, height uint64) ([]types.Link, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT current_link FROM bucket_log WHERE bucket_id = ? AND height = ?`,
		id.String(), int64(height))
	if err != nil {
		return nil, fmt.Errorf("failed to read heads for %s: %w", id, err)
	}
	defer rows.Close()

	var links []types.Link
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		link, err := types.ParseLink(s)
		if err != nil {
			return nil, fmt.Errorf("corrupt link in bucket log: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (d *DB) Head(ctx context.Context, id uuid.UUID) (types.Link, uint64, error) {
	height, err := d.Height(ctx, id)
	if err != nil {
		return types.Link{}, 0, err
	}
	link, err := d.HeadAt(ctx, id, height)
	if err != nil {
		return types.Link{}, 0, err
	}
	return link, height, nil
}

func (d *DB) HeadAt(ctx context.Context, id uuid.UUID, height uint64) (types.Link, error) {
	heads, err := d.Heads(ctx, id, height)
	if err != nil {
		return types.Link{}, err
	}
	head, ok := types.MaxLink(heads)
	if !ok {
		return types.Link{}, fmt.Errorf("%w: height %d", ErrHeadNotFound, height)
	}
	return head, nil
}

func (d *DB) Append(ctx context.Context, id uuid.UUID, name string, current types.Link, previous *types.Link, height uint64) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	// Reject a same-shape collision, accept an exact duplicate.
	var existingPrev sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT previous_link FROM bucket_log WHERE bucket_id = ? AND height = ? AND current_link = ?`,
		id.String(), int64(height), current.String()).Scan(&existingPrev)
	switch {
	case err == nil:
		if linksEqual(existingPrev, previous) {
			return nil
		}
		return ErrConflict
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("failed to check for conflicts: %w", err)
	}

	// Chain continuity: previous must sit at height-1, and only genesis
	// may omit it.
	if height == 0 {
		if previous != nil {
			return errInvalidAppend(current, previous, height)
		}
	} else {
		if previous == nil {
			return errInvalidAppend(current, previous, height)
		}
		var n int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM bucket_log WHERE bucket_id = ? AND height = ? AND current_link = ?`,
			id.String(), int64(height-1), previous.String()).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check previous link: %w", err)
		}
		if n == 0 {
			return errInvalidAppend(current, previous, height)
		}
	}

	now := time.Now().Unix()
	var prevStr any
	if previous != nil {
		prevStr = previous.String()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bucket_log (bucket_id, name, current_link, previous_link, height, published, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		id.String(), name, current.String(), prevStr, int64(height), now); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO buckets (id, name, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		id.String(), name, now); err != nil {
		return fmt.Errorf("failed to upsert bucket: %w", err)
	}

	return tx.Commit()
}

func linksEqual(existing sql.NullString, previous *types.Link) bool {
	if !existing.Valid {
		return previous == nil
	}
	return previous != nil && existing.String == previous.String()
}

func (d *DB) Has(ctx context.Context, id uuid.UUID, link types.Link) ([]uint64, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT height FROM bucket_log WHERE bucket_id = ? AND current_link = ? ORDER BY height`,
		id.String(), link.String())
	if err != nil {
		return nil, fmt.Errorf("failed to look up link: %w", err)
	}
	defer rows.Close()

	var heights []uint64
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		heights = append(heights, uint64(h))
	}
	return heights, rows.Err()
}

func (d *DB) AllEntries(ctx context.Context, id uuid.UUID) ([]BucketLogEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT bucket_id, name, current_link, previous_link, height, published, created_at
		 FROM bucket_log WHERE bucket_id = ? ORDER BY height, current_link`,
		id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list entries for %s: %w", id, err)
	}
	defer rows.Close()

	var entries []BucketLogEntry
	for rows.Next() {
		var (
			bucketID, name, current string
			previous                sql.NullString
			height, created         int64
			published               int
		)
		if err := rows.Scan(&bucketID, &name, &current, &previous, &height, &published, &created); err != nil {
			return nil, err
		}

		entry := BucketLogEntry{
			Name:      name,
			Height:    uint64(height),
			Published: published != 0,
			CreatedAt: time.Unix(created, 0),
		}
		entry.BucketID, err = uuid.Parse(bucketID)
		if err != nil {
			return nil, fmt.Errorf("corrupt bucket id in log: %w", err)
		}
		entry.CurrentLink, err = types.ParseLink(current)
		if err != nil {
			return nil, fmt.Errorf("corrupt link in log: %w", err)
		}
		if previous.Valid {
			link, err := types.ParseLink(previous.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt previous link in log: %w", err)
			}
			entry.PreviousLink = &link
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (d *DB) ListBuckets(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT bucket_id FROM bucket_log`)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("corrupt bucket id in log: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetSyncStatus updates the advisory sync state of a bucket.
func (d *DB) SetSyncStatus(ctx context.Context, id uuid.UUID, status SyncStatus) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE buckets SET sync_status = ? WHERE id = ?`, string(status), id.String())
	if err != nil {
		return fmt.Errorf("failed to update sync status for %s: %w", id, err)
	}
	return nil
}

// GetSyncStatus reads the advisory sync state of a bucket.
func (d *DB) GetSyncStatus(ctx context.Context, id uuid.UUID) (SyncStatus, error) {
	var s string
	err := d.db.QueryRowContext(ctx,
		`SELECT sync_status FROM buckets WHERE id = ?`, id.String()).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: bucket %s", ErrHeadNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync status for %s: %w", id, err)
	}
	return SyncStatus(s), nil
}
