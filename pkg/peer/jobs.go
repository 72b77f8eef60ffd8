package peer

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/types"
)

// ErrQueueClosed is returned by Dispatch after the worker has shut down.
var ErrQueueClosed = errors.New("job queue is closed")

// Job is a unit of background work for the peer worker.
type Job interface {
	// Type names the job for logs and metrics.
	Type() string
}

// SyncBucketJob downloads a bucket's manifest chain from a peer, verifies
// provenance, and updates the local log.
type SyncBucketJob struct {
	BucketID     uuid.UUID
	TargetLink   types.Link
	TargetHeight uint64
	PeerID       crypto.PublicKey
}

func (SyncBucketJob) Type() string { return "sync_bucket" }

// PingPeerJob sends a ping for one bucket to one peer and reacts to the
// response.
type PingPeerJob struct {
	BucketID uuid.UUID
	PeerID   crypto.PublicKey
}

func (PingPeerJob) Type() string { return "ping_peer" }

// DownloadPinsJob fetches a pins list and every blob it names from the
// candidate peers.
type DownloadPinsJob struct {
	PinsLink types.Link
	PeerIDs  []crypto.PublicKey
}

func (DownloadPinsJob) Type() string { return "download_pins" }

// jobQueue is an unbounded multi-producer, single-consumer queue.
// Dispatch never blocks; the worker drains between signals.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []Job
	signal chan struct{}
	closed bool
}

func newJobQueue() *jobQueue {
	return &jobQueue{signal: make(chan struct{}, 1)}
}

// JobDispatcher is a cheap, freely clonable handle for enqueueing jobs
// from anywhere in the daemon.
type JobDispatcher struct {
	q *jobQueue
}

// Dispatch enqueues a job. Non-blocking; fails only after the worker has
// shut down.
func (d *JobDispatcher) Dispatch(job Job) error {
	d.q.mu.Lock()
	if d.q.closed {
		d.q.mu.Unlock()
		return ErrQueueClosed
	}
	d.q.jobs = append(d.q.jobs, job)
	d.q.mu.Unlock()

	select {
	case d.q.signal <- struct{}{}:
	default:
	}
	return nil
}

// JobReceiver is the single-consumer end of the queue. Exactly one worker
// owns it.
type JobReceiver struct {
	q *jobQueue
}

// tryRecv pops the next job without blocking.
func (r *JobReceiver) tryRecv() (Job, bool) {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	if len(r.q.jobs) == 0 {
		return nil, false
	}
	job := r.q.jobs[0]
	r.q.jobs = r.q.jobs[1:]
	return job, true
}

// wait returns a channel that fires when a job may be available.
func (r *JobReceiver) wait() <-chan struct{} {
	return r.q.signal
}

// close shuts the queue; subsequent Dispatch calls fail.
func (r *JobReceiver) close() {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	r.q.closed = true
	r.q.jobs = nil
}

// newJobChannel creates the dispatcher/receiver pair. The dispatcher may
// be cloned freely; the receiver must be moved into exactly one worker.
func newJobChannel() (*JobDispatcher, *JobReceiver) {
	q := newJobQueue()
	return &JobDispatcher{q: q}, &JobReceiver{q: q}
}
