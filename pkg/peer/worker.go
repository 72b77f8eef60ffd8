package peer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/jax-protocol/jax/pkg/bucketlog"
	"github.com/jax-protocol/jax/pkg/events"
	"github.com/jax-protocol/jax/pkg/log"
	"github.com/jax-protocol/jax/pkg/metrics"
)

// DefaultPingInterval is the cadence of the periodic ping scheduler.
const DefaultPingInterval = 60 * time.Second

// Worker is the single consumer of the peer's job queue. It is created
// by Builder.Build together with the peer handle and owns the job
// receiver; exactly one goroutine runs it.
type Worker struct {
	peer         *Peer
	receiver     *JobReceiver
	pingInterval time.Duration
	logger       zerolog.Logger
	events       *events.Broker
	stopCh       chan struct{}
}

func newWorker(p *Peer, receiver *JobReceiver) *Worker {
	return &Worker{
		peer:         p,
		receiver:     receiver,
		pingInterval: DefaultPingInterval,
		logger:       log.WithComponent("worker"),
		stopCh:       make(chan struct{}),
	}
}

// SetPingInterval overrides the periodic ping cadence. Call before Run.
func (w *Worker) SetPingInterval(d time.Duration) {
	w.pingInterval = d
}

// SetEvents attaches an event broker notified of sync outcomes. Call
// before Run.
func (w *Worker) SetEvents(b *events.Broker) {
	w.events = b
}

// Stop shuts the worker down; queued jobs are dropped and further
// dispatches fail with ErrQueueClosed.
func (w *Worker) Stop() {
	close(w.stopCh)
}

// Run processes jobs until Stop is called or ctx is cancelled. Jobs are
// handled sequentially; individual failures are logged and counted, never
// propagated; the next periodic ping retries naturally.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Str("peer_id", w.peer.ID().Hex()).Msg("background job worker started")
	defer w.logger.Info().Msg("background job worker stopped")
	defer w.receiver.close()

	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		// Drain queued jobs before sleeping.
		for {
			job, ok := w.receiver.tryRecv()
			if !ok {
				break
			}
			w.handle(ctx, job)
		}

		select {
		case <-w.receiver.wait():
		case <-ticker.C:
			w.schedulePeriodicPings(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) handle(ctx context.Context, job Job) {
	metrics.JobsProcessedTotal.WithLabelValues(job.Type()).Inc()

	var err error
	switch j := job.(type) {
	case SyncBucketJob:
		w.setSyncStatus(ctx, j, bucketlog.SyncStatusSyncing)
		err = w.peer.executeSync(ctx, j)
		if err != nil {
			w.setSyncStatus(ctx, j, bucketlog.SyncStatusFailed)
		} else {
			w.setSyncStatus(ctx, j, bucketlog.SyncStatusSynced)
			if w.events != nil {
				w.events.Publish(&events.Event{
					Type:     events.EventBucketSynced,
					BucketID: j.BucketID.String(),
					PeerID:   j.PeerID.Hex(),
				})
			}
		}
	case PingPeerJob:
		metrics.PingsSentTotal.Inc()
		_, err = w.peer.Ping(ctx, j.BucketID, j.PeerID)
	case DownloadPinsJob:
		err = w.peer.downloader.DownloadHashList(ctx, j.PinsLink.Hash, j.PeerIDs)
	default:
		w.logger.Error().Str("type", job.Type()).Msg("unknown job type, dropping")
		return
	}

	if err != nil {
		metrics.JobFailuresTotal.WithLabelValues(job.Type()).Inc()
		w.logger.Error().Err(err).Str("type", job.Type()).Msg("job failed")
	}
}

// setSyncStatus updates the advisory per-bucket sync state when the
// provider records one.
func (w *Worker) setSyncStatus(ctx context.Context, job SyncBucketJob, status bucketlog.SyncStatus) {
	db, ok := w.peer.logs.(*bucketlog.DB)
	if !ok {
		return
	}
	if err := db.SetSyncStatus(ctx, job.BucketID, status); err != nil {
		w.logger.Debug().Err(err).Msg("failed to update sync status")
	}
}

// schedulePeriodicPings fans one ping job out per (bucket, sharee) pair
// so divergence surfaces within a ping interval.
func (w *Worker) schedulePeriodicPings(ctx context.Context) {
	buckets, err := w.peer.logs.ListBuckets(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list buckets for periodic pings")
		return
	}

	for _, bucketID := range buckets {
		peers, err := w.peer.SharePeers(ctx, bucketID)
		if err != nil {
			if !errors.Is(err, bucketlog.ErrHeadNotFound) {
				w.logger.Warn().Err(err).
					Str("bucket_id", bucketID.String()).
					Msg("failed to load bucket peers for pings")
			}
			continue
		}
		for _, peerID := range peers {
			if err := w.peer.jobs.Dispatch(PingPeerJob{BucketID: bucketID, PeerID: peerID}); err != nil {
				w.logger.Warn().Err(err).Msg("failed to dispatch ping job")
			}
		}
	}
}
