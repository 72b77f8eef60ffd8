package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlobsStoredTotal counts blobs written to the blob store
	BlobsStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jax_blobs_stored_total",
		Help: "Total number of blobs stored",
	})

	// BlobBytesStoredTotal counts bytes written to the blob store
	BlobBytesStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jax_blob_bytes_stored_total",
		Help: "Total number of blob bytes stored",
	})

	// JobsProcessedTotal counts background jobs processed by type
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jax_jobs_processed_total",
		Help: "Total number of background jobs processed",
	}, []string{"type"})

	// JobFailuresTotal counts background job failures by type
	JobFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jax_job_failures_total",
		Help: "Total number of background job failures",
	}, []string{"type"})

	// SyncManifestsAppliedTotal counts manifests applied during bucket sync
	SyncManifestsAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jax_sync_manifests_applied_total",
		Help: "Total number of manifests applied to the bucket log during sync",
	})

	// ReconcileCyclesTotal counts reconciliation cycles
	ReconcileCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jax_reconcile_cycles_total",
		Help: "Total number of reconciliation cycles",
	})

	// ReconcileBranchesMergedTotal counts orphaned branches merged
	ReconcileBranchesMergedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jax_reconcile_branches_merged_total",
		Help: "Total number of orphaned branches merged onto canonical heads",
	})

	// ReconcileDuration observes the duration of reconciliation cycles
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jax_reconcile_duration_seconds",
		Help:    "Duration of reconciliation cycles",
		Buckets: prometheus.DefBuckets,
	})

	// PingsSentTotal counts pings sent to peers
	PingsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jax_pings_sent_total",
		Help: "Total number of pings sent to peers",
	})
)
