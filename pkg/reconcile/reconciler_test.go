package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jax-protocol/jax/pkg/blobstore"
	"github.com/jax-protocol/jax/pkg/bucketlog"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/mount"
	"github.com/jax-protocol/jax/pkg/oplog"
	"github.com/jax-protocol/jax/pkg/types"
)

type testEnv struct {
	logs  *bucketlog.DB
	blobs *blobstore.Store
	key   *crypto.SecretKey
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	logs, err := bucketlog.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	blobs, err := blobstore.NewEphemeral()
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	return &testEnv{logs: logs, blobs: blobs, key: key}
}

// saveAndAppend saves the mount and records the new version in the log.
func saveAndAppend(t *testing.T, env *testEnv, m *mount.Mount) types.Link {
	t.Helper()
	ctx := context.Background()
	link, height, man, err := m.Save(ctx, false)
	require.NoError(t, err)
	require.NoError(t, env.logs.Append(ctx, m.BucketID(), man.Name, link, man.Previous, height))
	return link
}

// buildChain creates a bucket and extends its canonical chain to the
// given height, one file add per version, sharing it with the extra
// owners (branch authors need their own identity so a fork's OpIds do
// not collide with the canonical chain's). Returns the link at every
// height.
func buildChain(t *testing.T, env *testEnv, bucketID uuid.UUID, height uint64, owners ...crypto.PublicKey) []types.Link {
	t.Helper()
	ctx := context.Background()

	m, err := mount.Init(ctx, bucketID, "test", env.key, env.blobs)
	require.NoError(t, err)
	for _, owner := range owners {
		require.NoError(t, m.AddOwner(ctx, owner))
	}

	var links []types.Link
	for h := uint64(0); h <= height; h++ {
		require.NoError(t, m.Add(ctx, fmt.Sprintf("main-%d.txt", h), bytes.NewReader([]byte{byte(h)})))
		links = append(links, saveAndAppend(t, env, m))
	}
	return links
}

// branchFrom loads the bucket at base as key and saves one new version
// carrying two fresh operations, retrying contents until the resulting
// link loses the canonical tiebreak against keepBelow (when given). The
// losing link keeps the branch orphaned rather than canonical.
func branchFrom(t *testing.T, env *testEnv, key *crypto.SecretKey, base types.Link, prefix string, keepBelow *types.Link) types.Link {
	t.Helper()
	ctx := context.Background()

	for attempt := 0; attempt < 64; attempt++ {
		m, err := mount.Load(ctx, base, key, env.blobs)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			name := fmt.Sprintf("%s-%d-%d.txt", prefix, attempt, i)
			require.NoError(t, m.Add(ctx, name, bytes.NewReader([]byte(name))))
		}

		link, height, man, err := m.Save(ctx, false)
		require.NoError(t, err)
		if keepBelow != nil && !link.Less(*keepBelow) {
			continue
		}
		require.NoError(t, env.logs.Append(ctx, m.BucketID(), man.Name, link, man.Previous, height))
		return link
	}
	t.Fatal("failed to produce a branch link losing the canonical tiebreak")
	return types.Link{}
}

// Two orphan branches at heights 4 and 5, two operations each, collapse
// into a single new canonical entry at height 6 with full merge-log
// records; a follow-up pass finds nothing left.
func TestReconcileTwoOrphans(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t)
	bucketID := uuid.New()

	keyP, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyQ, err := crypto.GenerateKey()
	require.NoError(t, err)

	links := buildChain(t, env, bucketID, 5, keyP.Public(), keyQ.Public())
	canonical := links[5]

	// One branch off height 3 (landing at height 4), one off height 4
	// (landing at height 5, losing the head tiebreak).
	orphan4 := branchFrom(t, env, keyP, links[3], "p", nil)
	orphan5 := branchFrom(t, env, keyQ, links[4], "q", &canonical)

	head, height, err := env.logs.Head(ctx, bucketID)
	require.NoError(t, err)
	require.Equal(t, canonical, head, "canonical head must survive the branches")
	require.Equal(t, uint64(5), height)

	r := New(env.logs, env.blobs, env.key, oplog.NewLastWriteWins())
	result, err := r.Reconcile(ctx, bucketID)
	require.NoError(t, err)

	assert.Equal(t, uint64(6), result.NewHeight)
	assert.Equal(t, canonical, result.CanonicalLink)
	assert.Equal(t, 4, result.OpsMerged)
	require.Len(t, result.Branches, 2)
	for _, branch := range result.Branches {
		assert.Equal(t, 2, branch.OpsMerged)
	}

	// The new head is canonical.
	head, height, err = env.logs.Head(ctx, bucketID)
	require.NoError(t, err)
	assert.Equal(t, result.NewLink, head)
	assert.Equal(t, uint64(6), height)

	// The merge log records both branches.
	entries, err := env.logs.MergeLogEntries(ctx, bucketID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, uint32(2), e.OpsMerged)
		assert.Equal(t, result.NewLink, e.ResultLink)
		assert.Equal(t, uint64(6), e.ResultHeight)
	}

	// Nothing orphaned remains once merged branches are excluded.
	merged, err := env.logs.MergedLinksFrom(ctx, bucketID)
	require.NoError(t, err)
	assert.True(t, merged[orphan4])
	assert.True(t, merged[orphan5])

	orphans, err := bucketlog.FindOrphanedBranchesExcluding(ctx, env.logs, bucketID, merged)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// The merged tree carries the branch files.
	m, err := mount.Load(ctx, result.NewLink, env.key, env.blobs)
	require.NoError(t, err)
	deep, err := m.LsDeep(ctx, "/")
	require.NoError(t, err)
	branchFiles := 0
	for p := range deep {
		if p[0] == 'p' || p[0] == 'q' {
			branchFiles++
		}
	}
	assert.Equal(t, 4, branchFiles)

	// Reconciling again is a no-op.
	again, err := r.Reconcile(ctx, bucketID)
	require.NoError(t, err)
	assert.Empty(t, again.Branches)
	assert.Equal(t, 0, again.OpsMerged)
}

// Three orphan branches with a same-path conflict (one branch removes
// shared.txt, another re-adds it) must merge to the same tree no matter
// which order the branches fold in: the resolver decides the winner, not
// the lexicographic accident of link hashes.
func TestReconcileThreeBranchesOrderInsensitive(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t)
	bucketID := uuid.New()

	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyC, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyD, err := crypto.GenerateKey()
	require.NoError(t, err)

	m, err := mount.Init(ctx, bucketID, "test", env.key, env.blobs)
	require.NoError(t, err)
	require.NoError(t, m.AddOwner(ctx, keyB.Public()))
	require.NoError(t, m.AddOwner(ctx, keyC.Public()))
	require.NoError(t, m.AddOwner(ctx, keyD.Public()))
	require.NoError(t, m.Add(ctx, "shared.txt", bytes.NewReader([]byte("v0"))))
	link0 := saveAndAppend(t, env, m)
	require.NoError(t, m.Add(ctx, "main-1.txt", bytes.NewReader([]byte("m1"))))
	link1 := saveAndAppend(t, env, m)

	// makeBranch produces one orphan off link0 authored by key, retrying
	// the variable file's content until the branch loses the canonical
	// tiebreak against link1.
	makeBranch := func(key *crypto.SecretKey, build func(m *mount.Mount, attempt int) error) *oplog.PathOpLog {
		for attempt := 0; attempt < 64; attempt++ {
			bm, err := mount.Load(ctx, link0, key, env.blobs)
			require.NoError(t, err)
			require.NoError(t, build(bm, attempt))

			link, height, man, err := bm.Save(ctx, false)
			require.NoError(t, err)
			if !link.Less(link1) {
				continue
			}
			require.NoError(t, env.logs.Append(ctx, bucketID, man.Name, link, man.Previous, height))
			return bm.Log().Clone()
		}
		t.Fatal("failed to produce a branch link losing the canonical tiebreak")
		return nil
	}

	logA := makeBranch(keyB, func(m *mount.Mount, attempt int) error {
		if err := m.Remove(ctx, "shared.txt"); err != nil {
			return err
		}
		return m.Add(ctx, "a.txt", bytes.NewReader([]byte(fmt.Sprintf("a-%d", attempt))))
	})
	logB := makeBranch(keyC, func(m *mount.Mount, attempt int) error {
		if err := m.Add(ctx, "shared.txt", bytes.NewReader([]byte("resurrected"))); err != nil {
			return err
		}
		return m.Add(ctx, "b.txt", bytes.NewReader([]byte(fmt.Sprintf("b-%d", attempt))))
	})
	logC := makeBranch(keyD, func(m *mount.Mount, attempt int) error {
		if err := m.Add(ctx, "c.txt", bytes.NewReader([]byte(fmt.Sprintf("c-%d", attempt)))); err != nil {
			return err
		}
		return m.Add(ctx, "c2.txt", bytes.NewReader([]byte(fmt.Sprintf("c2-%d", attempt))))
	})

	// Reference merges of the same branch set in opposite orders.
	resolver := oplog.NewLastWriteWins()
	forward, err := mount.Load(ctx, link1, env.key, env.blobs)
	require.NoError(t, err)
	forward.MergeRemote(logA, resolver)
	forward.MergeRemote(logB, resolver)
	forward.MergeRemote(logC, resolver)

	backward, err := mount.Load(ctx, link1, env.key, env.blobs)
	require.NoError(t, err)
	backward.MergeRemote(logC, resolver)
	backward.MergeRemote(logB, resolver)
	backward.MergeRemote(logA, resolver)

	require.Equal(t, forward.Log().Ops(), backward.Log().Ops(),
		"branch fold order must not change the merged log")
	require.Equal(t, forward.Log().Materialize(), backward.Log().Materialize())

	// The fate of shared.txt follows the resolver's OpId tiebreak
	// between the remove and the re-add, nothing else.
	removeWins := keyC.Public().Compare(keyB.Public()) < 0
	tree := forward.Log().Materialize()
	_, sharedAlive := tree.Files["shared.txt"]
	assert.Equal(t, !removeWins, sharedAlive)

	// The engine itself converges on the same tree.
	r := New(env.logs, env.blobs, env.key, resolver)
	result, err := r.Reconcile(ctx, bucketID)
	require.NoError(t, err)
	require.Len(t, result.Branches, 3)
	assert.Equal(t, 6, result.OpsMerged)
	assert.Equal(t, uint64(2), result.NewHeight)

	merged, err := mount.Load(ctx, result.NewLink, env.key, env.blobs)
	require.NoError(t, err)
	assert.Equal(t, forward.Log().Materialize(), merged.Log().Materialize())
}

func TestReconcileLinearChainIsNoop(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t)
	bucketID := uuid.New()

	buildChain(t, env, bucketID, 3)

	r := New(env.logs, env.blobs, env.key, oplog.NewLastWriteWins())
	result, err := r.Reconcile(ctx, bucketID)
	require.NoError(t, err)
	assert.Empty(t, result.Branches)

	height, err := env.logs.Height(ctx, bucketID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), height, "a no-op reconcile must not mint versions")
}

func TestReconcileAdvancesOverManyRounds(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t)
	bucketID := uuid.New()

	keyQ, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyR, err := crypto.GenerateKey()
	require.NoError(t, err)

	links := buildChain(t, env, bucketID, 2, keyQ.Public(), keyR.Public())
	canonical := links[2]
	branchFrom(t, env, keyQ, links[1], "q", &canonical)

	r := New(env.logs, env.blobs, env.key, oplog.NewLastWriteWins())

	result, err := r.Reconcile(ctx, bucketID)
	require.NoError(t, err)
	require.Len(t, result.Branches, 1)
	assert.Equal(t, uint64(3), result.NewHeight)

	// A fresh fork off an old version reconciles in the next round onto
	// the new head.
	branchFrom(t, env, keyR, links[0], "r", nil)

	second, err := r.Reconcile(ctx, bucketID)
	require.NoError(t, err)
	require.Len(t, second.Branches, 1)
	assert.Equal(t, uint64(4), second.NewHeight)
	assert.Equal(t, result.NewLink, second.CanonicalLink)
}
