package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jax-protocol/jax/pkg/bucketlog"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/manifest"
	"github.com/jax-protocol/jax/pkg/metrics"
	"github.com/jax-protocol/jax/pkg/types"
)

// chainEntry pairs a downloaded manifest with its link.
type chainEntry struct {
	man  *manifest.Manifest
	link types.Link
}

// executeSync runs a SyncBucketJob: find the common ancestor with the
// remote chain, download the missing manifests, verify every signature
// and the chain's provenance, and only then append, so a cancellation
// mid-download leaves no partial log writes.
func (p *Peer) executeSync(ctx context.Context, job SyncBucketJob) error {
	logger := p.logger.With().
		Str("bucket_id", job.BucketID.String()).
		Str("peer_id", job.PeerID.Hex()).
		Logger()
	logger.Info().
		Str("target_link", job.TargetLink.String()).
		Uint64("target_height", job.TargetHeight).
		Msg("syncing bucket from peer")

	exists, err := p.logs.Exists(ctx, job.BucketID)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	// Walk the remote chain backward to find the first link we already
	// hold. Without one we clone from genesis.
	var stopAt *types.Link
	if exists {
		ancestor, err := p.findCommonAncestor(ctx, job.BucketID, job.TargetLink, job.PeerID)
		if err != nil {
			return err
		}
		if ancestor == nil {
			logger.Warn().Msg("no common ancestor, cloning remote chain from genesis")
		}
		stopAt = ancestor
	}

	chain, err := p.downloadManifestChain(ctx, job.TargetLink, stopAt, job.PeerID)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		logger.Info().Msg("no new manifests to sync, already up to date")
		return nil
	}

	// We should only be synced buckets we are shared on; if the newest
	// manifest no longer lists us, we were unshared. Stop quietly.
	newest := chain[len(chain)-1]
	if !p.VerifyProvenance(newest.man) {
		logger.Warn().Msg("provenance verification failed: our key not in bucket shares")
		return nil
	}

	if err := p.verifyManifestChain(ctx, chain); err != nil {
		return err
	}

	applied := 0
	for _, entry := range chain {
		err := p.logs.Append(ctx, job.BucketID, entry.man.Name,
			entry.link, entry.man.Previous, entry.man.Height)
		if err != nil {
			// A conflicting or non-continuing append means the remote
			// chain does not reconcile with ours: a fork for the
			// reconciliation engine, not for sync.
			if errors.Is(err, bucketlog.ErrInvalidAppend) || errors.Is(err, bucketlog.ErrConflict) {
				logger.Warn().Err(err).
					Uint64("height", entry.man.Height).
					Msg("remote chain does not reconcile with local log, stopping")
				return nil
			}
			return fmt.Errorf("failed to append manifest at height %d: %w", entry.man.Height, err)
		}
		applied++
		metrics.SyncManifestsAppliedTotal.Inc()
	}

	logger.Info().Int("manifests", applied).Msg("bucket synced")

	// Replicate the newest version's pins from everyone who shares the
	// bucket.
	peerIDs := make([]crypto.PublicKey, 0, len(newest.man.Shares))
	for _, share := range newest.man.Shares {
		peerIDs = append(peerIDs, share.Principal.Identity)
	}
	if err := p.jobs.Dispatch(DownloadPinsJob{
		PinsLink: newest.man.Pins,
		PeerIDs:  peerIDs,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to dispatch pins download")
	}

	return nil
}

// findCommonAncestor walks the remote chain backward (downloading each
// manifest) until it reaches a link recorded in our log, or genesis.
func (p *Peer) findCommonAncestor(ctx context.Context, bucketID uuid.UUID, start types.Link, peerID crypto.PublicKey) (*types.Link, error) {
	current := start
	for {
		man, err := p.fetchManifest(ctx, current, peerID)
		if err != nil {
			return nil, err
		}

		heights, err := p.logs.Has(ctx, bucketID, current)
		if err != nil {
			return nil, fmt.Errorf("failed to check link in log: %w", err)
		}
		if len(heights) > 0 {
			ancestor := current
			return &ancestor, nil
		}

		if man.Previous == nil {
			return nil, nil
		}
		current = *man.Previous
	}
}

// downloadManifestChain walks backward from start, downloading each
// manifest blob, stopping at stopAt (excluded) or genesis. Returns the
// chain oldest first.
func (p *Peer) downloadManifestChain(ctx context.Context, start types.Link, stopAt *types.Link, peerID crypto.PublicKey) ([]chainEntry, error) {
	var chain []chainEntry
	current := start

	for {
		if stopAt != nil && current == *stopAt {
			break
		}

		man, err := p.fetchManifest(ctx, current, peerID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, chainEntry{man: man, link: current})

		if man.Previous == nil {
			break
		}
		current = *man.Previous
	}

	// Oldest first for appending.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// fetchManifest downloads (if needed) and decodes one manifest blob.
func (p *Peer) fetchManifest(ctx context.Context, link types.Link, peerID crypto.PublicKey) (*manifest.Manifest, error) {
	if err := p.downloader.DownloadHash(ctx, link.Hash, []crypto.PublicKey{peerID}); err != nil {
		return nil, fmt.Errorf("failed to download manifest %s from peer: %w", link, err)
	}
	var man manifest.Manifest
	if err := p.blobs.GetCBOR(ctx, link.Hash, &man); err != nil {
		return nil, err
	}
	return &man, nil
}

// verifyManifestChain checks every downloaded manifest: signature, chain
// continuity, and authorship against its predecessor. The oldest entry is
// verified against its locally held predecessor when one exists.
func (p *Peer) verifyManifestChain(ctx context.Context, chain []chainEntry) error {
	var prev *manifest.Manifest

	oldest := chain[0]
	if oldest.man.Previous != nil {
		has, err := p.blobs.Has(ctx, oldest.man.Previous.Hash)
		if err != nil {
			return err
		}
		if has {
			var man manifest.Manifest
			if err := p.blobs.GetCBOR(ctx, oldest.man.Previous.Hash, &man); err != nil {
				return err
			}
			prev = &man
		}
	}

	for _, entry := range chain {
		if prev != nil || entry.man.Previous == nil {
			if err := entry.man.VerifyProvenance(prev); err != nil {
				return fmt.Errorf("manifest %s rejected: %w", entry.link, err)
			}
		} else {
			// The predecessor is not held locally (partial chain sync);
			// the signature still has to verify.
			ok, err := entry.man.VerifySignature()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("manifest %s rejected: %w", entry.link, manifest.ErrInvalidSignature)
			}
		}
		prev = entry.man
	}
	return nil
}
