package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/types"
)

func makePeer(t *testing.T, seed byte) crypto.PublicKey {
	t.Helper()
	var s [crypto.KeySize]byte
	s[0] = seed
	return crypto.KeyFromSeed(s).Public()
}

func makeOp(peer crypto.PublicKey, timestamp uint64, opType OpType, path string) PathOperation {
	return PathOperation{
		ID:   OpId{Timestamp: timestamp, Peer: peer},
		Type: opType,
		Path: path,
	}
}

func makeOpWithLink(peer crypto.PublicKey, timestamp uint64, opType OpType, path string, hashSeed byte) PathOperation {
	var h types.Hash
	h[0] = hashSeed
	link := types.RawLink(h)
	op := makeOp(peer, timestamp, opType, path)
	op.ContentLink = &link
	return op
}

func TestConflictDetection(t *testing.T) {
	peer1 := makePeer(t, 1)
	peer2 := makePeer(t, 2)

	tests := []struct {
		name     string
		base     PathOperation
		incoming PathOperation
		conflict bool
	}{
		{
			name:     "add vs add same path",
			base:     makeOp(peer1, 1, OpAdd, "file.txt"),
			incoming: makeOp(peer2, 1, OpAdd, "file.txt"),
			conflict: true,
		},
		{
			name:     "different paths",
			base:     makeOp(peer1, 1, OpAdd, "file1.txt"),
			incoming: makeOp(peer2, 1, OpAdd, "file2.txt"),
			conflict: false,
		},
		{
			name:     "same operation",
			base:     makeOp(peer1, 1, OpAdd, "file.txt"),
			incoming: makeOp(peer1, 1, OpAdd, "file.txt"),
			conflict: false,
		},
		{
			name:     "add vs remove",
			base:     makeOp(peer1, 1, OpAdd, "file.txt"),
			incoming: makeOp(peer2, 1, OpRemove, "file.txt"),
			conflict: true,
		},
		{
			name:     "mkdir vs remove",
			base:     makeOp(peer1, 1, OpMkdir, "dir"),
			incoming: makeOp(peer2, 1, OpRemove, "dir"),
			conflict: true,
		},
		{
			name:     "mkdir vs mkdir is idempotent",
			base:     makeOp(peer1, 1, OpMkdir, "dir"),
			incoming: makeOp(peer2, 1, OpMkdir, "dir"),
			conflict: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.conflict, OperationsConflict(&tt.base, &tt.incoming))
		})
	}
}

func TestConflictConcurrency(t *testing.T) {
	peer1 := makePeer(t, 1)
	peer2 := makePeer(t, 2)

	concurrent := Conflict{
		Path:     "file.txt",
		Base:     makeOp(peer1, 5, OpAdd, "file.txt"),
		Incoming: makeOp(peer2, 5, OpRemove, "file.txt"),
	}
	assert.True(t, concurrent.IsConcurrent())

	sequential := Conflict{
		Path:     "file.txt",
		Base:     makeOp(peer1, 3, OpAdd, "file.txt"),
		Incoming: makeOp(peer2, 5, OpRemove, "file.txt"),
	}
	assert.False(t, sequential.IsConcurrent())
	assert.Equal(t, sequential.Incoming.ID, sequential.CrdtWinner().ID)
}

func TestLastWriteWins(t *testing.T) {
	peer1 := makePeer(t, 1)
	peer2 := makePeer(t, 2)
	resolver := NewLastWriteWins()

	incomingWins := Conflict{
		Path:     "file.txt",
		Base:     makeOp(peer1, 1, OpAdd, "file.txt"),
		Incoming: makeOp(peer2, 2, OpRemove, "file.txt"),
	}
	assert.Equal(t, Resolution{Kind: UseIncoming}, resolver.Resolve(&incomingWins, peer1))

	baseWins := Conflict{
		Path:     "file.txt",
		Base:     makeOp(peer1, 2, OpAdd, "file.txt"),
		Incoming: makeOp(peer2, 1, OpRemove, "file.txt"),
	}
	assert.Equal(t, Resolution{Kind: UseBase}, resolver.Resolve(&baseWins, peer1))

	// Same timestamp: peer bytes break the tie.
	tied := Conflict{
		Path:     "file.txt",
		Base:     makeOp(peer1, 1, OpAdd, "file.txt"),
		Incoming: makeOp(peer2, 1, OpRemove, "file.txt"),
	}
	resolution := resolver.Resolve(&tied, peer1)
	if peer1.Compare(peer2) < 0 {
		assert.Equal(t, Resolution{Kind: UseIncoming}, resolution)
	} else {
		assert.Equal(t, Resolution{Kind: UseBase}, resolution)
	}
}

func TestBaseWinsAndForkResolvers(t *testing.T) {
	peer1 := makePeer(t, 1)
	peer2 := makePeer(t, 2)

	conflict := Conflict{
		Path:     "file.txt",
		Base:     makeOp(peer1, 1, OpAdd, "file.txt"),
		Incoming: makeOp(peer2, 100, OpRemove, "file.txt"),
	}

	assert.Equal(t, Resolution{Kind: UseBase}, NewBaseWins().Resolve(&conflict, peer1))
	assert.Equal(t, Resolution{Kind: KeepBoth}, NewForkOnConflict().Resolve(&conflict, peer1))
}

func TestConflictPathNaming(t *testing.T) {
	assert.Equal(t, "document@abc12345.txt", ConflictPath("document.txt", "abc12345"))
	assert.Equal(t, "README@abc12345", ConflictPath("README", "abc12345"))
	assert.Equal(t, "docs/notes/file@v42.md", ConflictPath("docs/notes/file.md", "v42"))
}

// Alice and Bob both create notes.txt offline. On merge, Alice keeps the
// original path and Bob's copy is renamed with a prefix of his content
// hash.
func TestConflictFileTwoPeersSameFile(t *testing.T) {
	alice := makePeer(t, 1)
	bob := makePeer(t, 2)

	aliceAdd := makeOpWithLink(alice, 1000, OpAdd, "notes.txt", 0x11)
	bobAdd := makeOpWithLink(bob, 1001, OpAdd, "notes.txt", 0x22)

	conflict := Conflict{Path: "notes.txt", Base: aliceAdd, Incoming: bobAdd}
	resolution := NewConflictFileWithHashLength(8).Resolve(&conflict, alice)

	require.Equal(t, RenameIncoming, resolution.Kind)
	wantPrefix := bobAdd.ContentLink.Hash.String()[:8]
	assert.Equal(t, "notes@"+wantPrefix+".txt", resolution.NewPath)
	assert.Contains(t, resolution.NewPath, "22")
}

func TestConflictFileFallsBackToLastWriteWins(t *testing.T) {
	peer1 := makePeer(t, 1)
	peer2 := makePeer(t, 2)
	resolver := NewConflictFile()

	addVsRemove := Conflict{
		Path:     "file.txt",
		Base:     makeOp(peer1, 1, OpAdd, "file.txt"),
		Incoming: makeOp(peer2, 100, OpRemove, "file.txt"),
	}
	assert.Equal(t, Resolution{Kind: UseIncoming}, resolver.Resolve(&addVsRemove, peer1))

	removeVsAdd := Conflict{
		Path:     "file.txt",
		Base:     makeOp(peer1, 100, OpRemove, "file.txt"),
		Incoming: makeOp(peer2, 1, OpAdd, "file.txt"),
	}
	assert.Equal(t, Resolution{Kind: UseBase}, resolver.Resolve(&removeVsAdd, peer1))
}

func TestConflictFileCustomHashLength(t *testing.T) {
	alice := makePeer(t, 1)
	bob := makePeer(t, 2)

	conflict := Conflict{
		Path:     "doc.md",
		Base:     makeOpWithLink(alice, 1, OpAdd, "doc.md", 0xAA),
		Incoming: makeOpWithLink(bob, 2, OpAdd, "doc.md", 0xBB),
	}

	for _, n := range []int{4, 8, 16} {
		resolution := NewConflictFileWithHashLength(n).Resolve(&conflict, alice)
		require.Equal(t, RenameIncoming, resolution.Kind)
		name := resolution.NewPath
		at := len("doc@")
		dot := len(name) - len(".md")
		assert.Len(t, name[at:dot], n)
	}
}
