package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jax-protocol/jax/pkg/blobstore"
	"github.com/jax-protocol/jax/pkg/bucketlog"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/events"
	"github.com/jax-protocol/jax/pkg/log"
	"github.com/jax-protocol/jax/pkg/manifest"
	"github.com/jax-protocol/jax/pkg/metrics"
	"github.com/jax-protocol/jax/pkg/mount"
	"github.com/jax-protocol/jax/pkg/oplog"
	"github.com/jax-protocol/jax/pkg/types"
)

// DefaultInterval is the cadence of the periodic reconciliation loop.
const DefaultInterval = 30 * time.Second

// MergedBranch describes one orphan folded into the canonical chain.
type MergedBranch struct {
	LinkFrom   types.Link
	HeightFrom uint64
	OpsMerged  int
}

// Result reports one completed reconciliation.
type Result struct {
	// NewLink and NewHeight identify the merged head.
	NewLink   types.Link
	NewHeight uint64
	// CanonicalLink and CanonicalHeight identify the head the branches
	// were merged onto.
	CanonicalLink   types.Link
	CanonicalHeight uint64
	// OpsMerged is the total operations taken from all branches.
	OpsMerged int
	// Branches lists each merged orphan.
	Branches []MergedBranch
}

// Reconciler collapses orphaned branches onto canonical heads and
// records the merges. Reconciliation only runs under an Owner identity;
// the resolver makes the outcome deterministic across peers given the
// same branch set.
type Reconciler struct {
	logs     *bucketlog.DB
	blobs    *blobstore.Store
	key      *crypto.SecretKey
	resolver oplog.ConflictResolver
	interval time.Duration
	logger   zerolog.Logger
	events   *events.Broker

	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates a reconciler for the local owner identity.
func New(logs *bucketlog.DB, blobs *blobstore.Store, key *crypto.SecretKey, resolver oplog.ConflictResolver) *Reconciler {
	return &Reconciler{
		logs:     logs,
		blobs:    blobs,
		key:      key,
		resolver: resolver,
		interval: DefaultInterval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// SetInterval overrides the periodic cadence. Call before Start.
func (r *Reconciler) SetInterval(d time.Duration) {
	r.interval = d
}

// SetEvents attaches an event broker notified of completed merges. Call
// before Start.
func (r *Reconciler) SetEvents(b *events.Broker) {
	r.events = b
}

// Start begins the periodic reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop stops the loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")
	for {
		select {
		case <-ticker.C:
			if err := r.reconcileAll(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconcileAll runs one cycle over every local bucket we own.
func (r *Reconciler) reconcileAll(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	buckets, err := r.logs.ListBuckets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list buckets: %w", err)
	}

	for _, bucketID := range buckets {
		owned, err := r.ownsBucket(ctx, bucketID)
		if err != nil {
			r.logger.Warn().Err(err).Str("bucket_id", bucketID.String()).
				Msg("failed to check bucket ownership")
			continue
		}
		if !owned {
			continue
		}
		if _, err := r.Reconcile(ctx, bucketID); err != nil {
			r.logger.Error().Err(err).Str("bucket_id", bucketID.String()).
				Msg("failed to reconcile bucket")
		}
	}
	return nil
}

// ownsBucket reports whether our key holds the Owner role at the
// bucket's canonical head.
func (r *Reconciler) ownsBucket(ctx context.Context, id uuid.UUID) (bool, error) {
	head, _, err := r.logs.Head(ctx, id)
	if err != nil {
		return false, err
	}
	var man manifest.Manifest
	if err := r.blobs.GetCBOR(ctx, head.Hash, &man); err != nil {
		return false, err
	}
	share, ok := man.ShareFor(r.key.Public())
	return ok && share.IsOwner(), nil
}

// Reconcile folds every unmerged orphaned branch of the bucket onto its
// canonical head: novel operations merge under the configured resolver,
// one new manifest lands at canonical height plus one, and a merge log
// entry records each branch. Returns a zero-branch Result when there is
// nothing to do, which makes a repeated call a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, bucketID uuid.UUID) (*Result, error) {
	// One merge at a time; a manual trigger racing the periodic loop
	// would otherwise double-merge the same branches.
	r.mu.Lock()
	defer r.mu.Unlock()

	merged, err := r.logs.MergedLinksFrom(ctx, bucketID)
	if err != nil {
		return nil, err
	}

	orphans, err := bucketlog.FindOrphanedBranchesExcluding(ctx, r.logs, bucketID, merged)
	if err != nil {
		return nil, err
	}
	if len(orphans) == 0 {
		return &Result{}, nil
	}

	canonicalLink, canonicalHeight, err := r.logs.Head(ctx, bucketID)
	if err != nil {
		return nil, err
	}

	m, err := mount.Load(ctx, canonicalLink, r.key, r.blobs)
	if err != nil {
		return nil, fmt.Errorf("failed to load canonical head: %w", err)
	}

	result := &Result{
		CanonicalLink:   canonicalLink,
		CanonicalHeight: canonicalHeight,
	}

	// Each branch's novel-op count is taken against the canonical head's
	// log as it stood before any merging, so the counts do not depend on
	// the order the branches fold in.
	canonicalOps := m.Log().Clone()

	for _, orphan := range orphans {
		branchLog, err := r.loadOpLog(ctx, orphan.Link)
		if err != nil {
			r.logger.Warn().Err(err).
				Str("bucket_id", bucketID.String()).
				Str("link", orphan.Link.String()).
				Msg("failed to load orphaned branch, skipping")
			continue
		}

		novel := len(canonicalOps.MissingFrom(branchLog))
		m.MergeRemote(branchLog, r.resolver)

		result.OpsMerged += novel
		result.Branches = append(result.Branches, MergedBranch{
			LinkFrom:   orphan.Link,
			HeightFrom: orphan.Height,
			OpsMerged:  novel,
		})
	}

	if len(result.Branches) == 0 {
		return nil, fmt.Errorf("no orphaned branch could be loaded for bucket %s", bucketID)
	}

	newLink, newHeight, man, err := m.Save(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to save merged head: %w", err)
	}
	if err := r.logs.Append(ctx, bucketID, man.Name, newLink, man.Previous, newHeight); err != nil {
		return nil, fmt.Errorf("failed to append merged head: %w", err)
	}

	result.NewLink = newLink
	result.NewHeight = newHeight

	// The merge is durable; a failed merge-log insert only costs us a
	// redundant re-merge attempt later.
	for _, branch := range result.Branches {
		err := r.logs.InsertMergeLog(ctx, bucketlog.MergeLogEntry{
			BucketID:     bucketID,
			LinkFrom:     branch.LinkFrom,
			HeightFrom:   branch.HeightFrom,
			LinkOnto:     canonicalLink,
			HeightOnto:   canonicalHeight,
			ResultLink:   newLink,
			ResultHeight: newHeight,
			OpsMerged:    uint32(branch.OpsMerged),
		})
		if err != nil {
			r.logger.Warn().Err(err).
				Str("link_from", branch.LinkFrom.String()).
				Msg("failed to insert merge log entry")
		}
		metrics.ReconcileBranchesMergedTotal.Inc()
	}

	r.logger.Info().
		Str("bucket_id", bucketID.String()).
		Int("branches", len(result.Branches)).
		Int("ops", result.OpsMerged).
		Uint64("new_height", newHeight).
		Msg("reconciled orphaned branches onto canonical head")

	if r.events != nil {
		r.events.Publish(&events.Event{
			Type:     events.EventBucketReconciled,
			BucketID: bucketID.String(),
			Message:  fmt.Sprintf("merged %d branches (%d ops)", len(result.Branches), result.OpsMerged),
		})
	}
	return result, nil
}

// loadOpLog reads the op log behind a manifest link.
func (r *Reconciler) loadOpLog(ctx context.Context, link types.Link) (*oplog.PathOpLog, error) {
	var man manifest.Manifest
	if err := r.blobs.GetCBOR(ctx, link.Hash, &man); err != nil {
		return nil, err
	}
	data, err := r.blobs.Get(ctx, man.Entry.Hash)
	if err != nil {
		return nil, err
	}
	return oplog.Decode(data)
}
