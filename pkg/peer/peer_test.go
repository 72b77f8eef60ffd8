package peer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jax-protocol/jax/pkg/blobstore"
	"github.com/jax-protocol/jax/pkg/bucketlog"
	"github.com/jax-protocol/jax/pkg/codec"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/mount"
	"github.com/jax-protocol/jax/pkg/types"

	"github.com/google/uuid"
)

// testPeer is one fully wired peer on a TestNetwork.
type testPeer struct {
	peer   *Peer
	worker *Worker
	blobs  *blobstore.Store
	logs   *bucketlog.DB
	key    *crypto.SecretKey
}

func newTestPeer(t *testing.T, net *TestNetwork) *testPeer {
	t.Helper()

	blobs, err := blobstore.NewEphemeral()
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	logs, err := bucketlog.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	p, worker := NewBuilder().
		Logs(logs).
		Blobs(blobs).
		Secret(key).
		Transport(net.Transport(key.Public())).
		Downloader(net.Downloader(blobs)).
		Build()

	net.Join(key.Public(), p, blobs)
	return &testPeer{peer: p, worker: worker, blobs: blobs, logs: logs, key: key}
}

func TestBuilderRequiresDependencies(t *testing.T) {
	assert.Panics(t, func() {
		NewBuilder().Build()
	})
}

func TestJobQueue(t *testing.T) {
	dispatcher, receiver := newJobChannel()

	id := uuid.New()
	require.NoError(t, dispatcher.Dispatch(PingPeerJob{BucketID: id}))
	require.NoError(t, dispatcher.Dispatch(DownloadPinsJob{}))

	job, ok := receiver.tryRecv()
	require.True(t, ok)
	assert.Equal(t, "ping_peer", job.Type())

	job, ok = receiver.tryRecv()
	require.True(t, ok)
	assert.Equal(t, "download_pins", job.Type())

	_, ok = receiver.tryRecv()
	assert.False(t, ok)

	receiver.close()
	assert.ErrorIs(t, dispatcher.Dispatch(PingPeerJob{}), ErrQueueClosed)
}

func TestPingUnknownBucket(t *testing.T) {
	net := NewTestNetwork()
	alice := newTestPeer(t, net)
	bob := newTestPeer(t, net)

	ctx := context.Background()
	bucketID := uuid.New()

	// Alice holds the bucket, Bob does not.
	m, err := mount.Init(ctx, bucketID, "test", alice.key, alice.blobs)
	require.NoError(t, err)
	link, height, _, err := m.Save(ctx, false)
	require.NoError(t, err)
	require.NoError(t, alice.logs.Append(ctx, bucketID, "test", link, nil, height))

	pong, err := alice.peer.Ping(ctx, bucketID, bob.key.Public())
	require.NoError(t, err)
	assert.Equal(t, PongNotFound, pong.Status)
}

func TestUnknownMessageKindIsRejected(t *testing.T) {
	net := NewTestNetwork()
	alice := newTestPeer(t, net)
	bob := newTestPeer(t, net)

	ctx := context.Background()
	stream, err := net.Transport(alice.key.Public()).Dial(ctx, bob.key.Public())
	require.NoError(t, err)

	raw, err := codec.Marshal(map[string]string{"x": "y"})
	require.NoError(t, err)
	require.NoError(t, writeMessage(stream, "bogus", raw))

	// The responder closes the stream without answering and without
	// crashing.
	buf := make([]byte, 1)
	_, err = stream.Read(buf)
	assert.Error(t, err)
	stream.Close()
}

// setupSharedBucket creates a bucket owned by alice and shared with bob,
// saved through `saves` versions, every version appended to alice's log.
// Bob's log gets only the genesis entry, as if he had synced long ago.
func setupSharedBucket(t *testing.T, alice, bob *testPeer, saves int) (uuid.UUID, []types.Link) {
	t.Helper()
	ctx := context.Background()
	bucketID := uuid.New()

	m, err := mount.Init(ctx, bucketID, "shared", alice.key, alice.blobs)
	require.NoError(t, err)
	require.NoError(t, m.AddOwner(ctx, bob.key.Public()))

	var links []types.Link
	for i := 0; i < saves; i++ {
		require.NoError(t, m.Add(ctx, "file.txt", bytes.NewReader([]byte{byte(i)})))
		link, height, man, err := m.Save(ctx, false)
		require.NoError(t, err)
		require.NoError(t, alice.logs.Append(ctx, bucketID, "shared", link, man.Previous, height))
		if i == 0 {
			// Bob holds the genesis entry and its manifest blob.
			require.NoError(t, bob.logs.Append(ctx, bucketID, "shared", link, nil, 0))
			items, err := alice.blobs.ExportBao(ctx, link.Hash, nil)
			require.NoError(t, err)
			require.NoError(t, bob.blobs.ImportBao(ctx, link.Hash, items))
		}
		links = append(links, link)
	}
	return bucketID, links
}

// Ping behind ⇒ sync ⇒ in-sync: Bob is behind Alice; pinging her reports
// Ahead, his worker pulls the chain, and the next ping answers InSync.
func TestPingAheadTriggersSyncToInSync(t *testing.T) {
	net := NewTestNetwork()
	alice := newTestPeer(t, net)
	bob := newTestPeer(t, net)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bucketID, _ := setupSharedBucket(t, alice, bob, 3)

	aliceHeight, err := alice.logs.Height(ctx, bucketID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), aliceHeight)
	bobHeight, err := bob.logs.Height(ctx, bucketID)
	require.NoError(t, err)
	require.Equal(t, uint64(0), bobHeight)

	go bob.worker.Run(ctx)
	defer bob.worker.Stop()

	pong, err := bob.peer.Ping(ctx, bucketID, alice.key.Public())
	require.NoError(t, err)
	require.Equal(t, PongAhead, pong.Status)
	assert.Equal(t, uint64(2), pong.Height)

	// The worker picks up the dispatched sync job and catches up.
	require.Eventually(t, func() bool {
		h, err := bob.logs.Height(ctx, bucketID)
		return err == nil && h == 2
	}, 5*time.Second, 10*time.Millisecond)

	pong, err = bob.peer.Ping(ctx, bucketID, alice.key.Public())
	require.NoError(t, err)
	assert.Equal(t, PongInSync, pong.Status)

	// Pins (the op log and content blobs) replicate to Bob as part of
	// the sync, after which he can open and read the bucket.
	head, _, err := bob.logs.Head(ctx, bucketID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m, err := mount.Load(ctx, head, bob.key, bob.blobs)
		if err != nil {
			return false
		}
		data, err := m.Cat(ctx, "file.txt")
		return err == nil && bytes.Equal(data, []byte{2})
	}, 5*time.Second, 10*time.Millisecond)
}

// The responder that answers Behind schedules its own sync against the
// initiator.
func TestRespondingBehindSchedulesOwnSync(t *testing.T) {
	net := NewTestNetwork()
	alice := newTestPeer(t, net)
	bob := newTestPeer(t, net)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bucketID, _ := setupSharedBucket(t, alice, bob, 3)

	go bob.worker.Run(ctx)
	defer bob.worker.Stop()

	// Alice pings Bob; he answers Behind and pulls from her.
	pong, err := alice.peer.Ping(ctx, bucketID, bob.key.Public())
	require.NoError(t, err)
	require.Equal(t, PongBehind, pong.Status)

	require.Eventually(t, func() bool {
		h, err := bob.logs.Height(ctx, bucketID)
		return err == nil && h == 2
	}, 5*time.Second, 10*time.Millisecond)
}

// A peer dropped from the shares aborts the sync without touching its
// log.
func TestSyncAbortsWhenUnshared(t *testing.T) {
	net := NewTestNetwork()
	alice := newTestPeer(t, net)
	bob := newTestPeer(t, net)

	ctx := context.Background()
	bucketID, _ := setupSharedBucket(t, alice, bob, 2)

	// Alice revokes Bob and saves another version.
	head, _, err := alice.logs.Head(ctx, bucketID)
	require.NoError(t, err)
	m, err := mount.Load(ctx, head, alice.key, alice.blobs)
	require.NoError(t, err)
	require.NoError(t, m.RemoveShare(ctx, bob.key.Public()))
	link, height, man, err := m.Save(ctx, false)
	require.NoError(t, err)
	require.NoError(t, alice.logs.Append(ctx, bucketID, "shared", link, man.Previous, height))

	err = bob.peer.executeSync(ctx, SyncBucketJob{
		BucketID:     bucketID,
		TargetLink:   link,
		TargetHeight: height,
		PeerID:       alice.key.Public(),
	})
	require.NoError(t, err, "being unshared is a silent abort, not an error")

	h, err := bob.logs.Height(ctx, bucketID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h, "no partial log writes")
}

func TestPeriodicPingScheduler(t *testing.T) {
	net := NewTestNetwork()
	alice := newTestPeer(t, net)
	bob := newTestPeer(t, net)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bucketID, _ := setupSharedBucket(t, alice, bob, 2)

	alice.worker.SetPingInterval(50 * time.Millisecond)
	go alice.worker.Run(ctx)
	defer alice.worker.Stop()
	go bob.worker.Run(ctx)
	defer bob.worker.Stop()

	// Alice's periodic scheduler pings Bob; Bob answers Behind and
	// syncs himself up without anyone dispatching jobs by hand.
	require.Eventually(t, func() bool {
		h, err := bob.logs.Height(ctx, bucketID)
		return err == nil && h == 1
	}, 5*time.Second, 10*time.Millisecond)
}
