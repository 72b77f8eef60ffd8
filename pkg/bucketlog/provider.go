package bucketlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jax-protocol/jax/pkg/types"
)

var (
	// ErrHeadNotFound is returned when a bucket has no entry at the
	// requested height (or no entries at all).
	ErrHeadNotFound = errors.New("bucket head not found")
	// ErrConflict is returned when an append collides with an existing
	// entry of a different shape at the same (bucket, height, link).
	ErrConflict = errors.New("conflict with current log entry")
	// ErrInvalidAppend is returned when an append's previous link is not
	// present at the preceding height.
	ErrInvalidAppend = errors.New("invalid append")
)

// BucketLogEntry is one locally validated manifest link in a bucket's
// history. Multiple entries may share a height; those are branches.
type BucketLogEntry struct {
	BucketID     uuid.UUID
	Name         string
	CurrentLink  types.Link
	PreviousLink *types.Link
	Height       uint64
	Published    bool
	CreatedAt    time.Time
}

// OrphanedBranch is an entry that is not an ancestor of the canonical
// head; it carries operations that may still need merging.
type OrphanedBranch struct {
	Link     types.Link
	Height   uint64
	Previous *types.Link
}

// SyncStatus is advisory UI state for a bucket. It is never a trust
// anchor; the log entries are.
type SyncStatus string

const (
	SyncStatusSynced    SyncStatus = "synced"
	SyncStatusOutOfSync SyncStatus = "out_of_sync"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusFailed    SyncStatus = "failed"
)

// Provider is the durable, per-bucket index of validated manifest links,
// organised for canonical-head selection and orphan detection.
type Provider interface {
	// Exists reports whether the bucket has any log entries.
	Exists(ctx context.Context, id uuid.UUID) (bool, error)

	// Height returns the greatest height recorded for the bucket.
	// Returns ErrHeadNotFound for an unknown bucket.
	Height(ctx context.Context, id uuid.UUID) (uint64, error)

	// Heads returns the candidate head links at a height.
	Heads(ctx context.Context, id uuid.UUID, height uint64) ([]types.Link, error)

	// Head returns the canonical head at the bucket's greatest height:
	// the maximum candidate link by bytewise order, the deterministic
	// tiebreak when peers legitimately produce the same height.
	Head(ctx context.Context, id uuid.UUID) (types.Link, uint64, error)

	// HeadAt returns the canonical head at a specific height.
	HeadAt(ctx context.Context, id uuid.UUID, height uint64) (types.Link, error)

	// Append records a bucket version. It fails with ErrConflict when an
	// entry with the same (height, link) but a different shape exists,
	// with ErrInvalidAppend when previous is not recorded at height-1
	// (except genesis), and is idempotent for an exactly matching entry.
	Append(ctx context.Context, id uuid.UUID, name string, current types.Link, previous *types.Link, height uint64) error

	// Has returns the heights at which link is recorded for the bucket.
	Has(ctx context.Context, id uuid.UUID, link types.Link) ([]uint64, error)

	// AllEntries returns every log entry for the bucket.
	AllEntries(ctx context.Context, id uuid.UUID) ([]BucketLogEntry, error)

	// ListBuckets returns every bucket id with log entries.
	ListBuckets(ctx context.Context) ([]uuid.UUID, error)
}

// FindOrphanedBranches returns every branch of the bucket that is not an
// ancestor of the canonical head.
func FindOrphanedBranches(ctx context.Context, p Provider, id uuid.UUID) ([]OrphanedBranch, error) {
	return FindOrphanedBranchesExcluding(ctx, p, id, nil)
}

// FindOrphanedBranchesExcluding is the main orphan detection: it walks
// backward from the canonical head to build the canonical chain, then
// returns every entry whose link is neither on that chain nor in
// alreadyMerged (links a merge log has recorded as reconciled).
func FindOrphanedBranchesExcluding(ctx context.Context, p Provider, id uuid.UUID, alreadyMerged map[types.Link]bool) ([]OrphanedBranch, error) {
	canonicalLink, _, err := p.Head(ctx, id)
	if err != nil {
		return nil, err
	}

	entries, err := p.AllEntries(ctx, id)
	if err != nil {
		return nil, err
	}

	byLink := make(map[types.Link]*BucketLogEntry, len(entries))
	for i := range entries {
		byLink[entries[i].CurrentLink] = &entries[i]
	}

	canonicalChain := make(map[types.Link]bool)
	current := &canonicalLink
	for current != nil {
		link := *current
		if canonicalChain[link] {
			break
		}
		canonicalChain[link] = true
		entry, ok := byLink[link]
		if !ok {
			break
		}
		current = entry.PreviousLink
	}

	var orphans []OrphanedBranch
	for _, e := range entries {
		if canonicalChain[e.CurrentLink] || alreadyMerged[e.CurrentLink] {
			continue
		}
		orphans = append(orphans, OrphanedBranch{
			Link:     e.CurrentLink,
			Height:   e.Height,
			Previous: e.PreviousLink,
		})
	}
	return orphans, nil
}

// errInvalidAppend builds the detailed invalid-append error.
func errInvalidAppend(current types.Link, previous *types.Link, height uint64) error {
	prev := "none"
	if previous != nil {
		prev = previous.String()
	}
	return fmt.Errorf("%w: %s, %s, %d", ErrInvalidAppend, current, prev, height)
}
