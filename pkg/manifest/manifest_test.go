package manifest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jax-protocol/jax/pkg/codec"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/types"
)

func testKey(t *testing.T, seed byte) *crypto.SecretKey {
	t.Helper()
	var s [crypto.KeySize]byte
	s[0] = seed
	return crypto.KeyFromSeed(s)
}

func testSecret(t *testing.T) crypto.SecretShare {
	t.Helper()
	secret, err := crypto.GenerateShare()
	require.NoError(t, err)
	return secret
}

func testLink(seed byte) types.Link {
	var h types.Hash
	h[0] = seed
	return types.CborLink(h)
}

func genesis(t *testing.T, owner *crypto.SecretKey, secret crypto.SecretShare) *Manifest {
	t.Helper()
	m := New(uuid.New(), "test", owner.Public(), testLink(1), testLink(2))
	share, err := NewOwnerShare(secret, owner.Public())
	require.NoError(t, err)
	m.AddShare(share)
	require.NoError(t, m.Sign(owner))
	return m
}

func TestSignAndVerify(t *testing.T) {
	owner := testKey(t, 1)
	m := genesis(t, owner, testSecret(t))

	ok, err := m.VerifySignature()
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampering with any signed field breaks verification.
	m.Name = "tampered"
	ok, err = m.VerifySignature()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignSetsAuthor(t *testing.T) {
	owner := testKey(t, 1)
	other := testKey(t, 2)

	m := genesis(t, owner, testSecret(t))
	require.NoError(t, m.Sign(other))

	assert.Equal(t, other.Public(), m.Author)
	ok, err := m.VerifySignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecryptShareFor(t *testing.T) {
	owner := testKey(t, 1)
	peer := testKey(t, 2)
	stranger := testKey(t, 3)
	secret := testSecret(t)

	m := genesis(t, owner, secret)
	share, err := NewMirrorShare(secret, peer.Public())
	require.NoError(t, err)
	m.AddShare(share)

	got, err := m.DecryptShareFor(owner)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	got, err = m.DecryptShareFor(peer)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	_, err = m.DecryptShareFor(stranger)
	assert.ErrorIs(t, err, ErrShareNotFound)
}

func TestPublishEmbedsPlaintextSecret(t *testing.T) {
	owner := testKey(t, 1)
	stranger := testKey(t, 9)
	secret := testSecret(t)

	m := genesis(t, owner, secret)
	assert.False(t, m.IsPublished())

	m.Publish(secret)
	assert.True(t, m.IsPublished())

	// Anyone can read a published bucket.
	got, err := m.DecryptShareFor(stranger)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	// Share wraps are stripped on publish.
	share, ok := m.ShareFor(owner.Public())
	require.True(t, ok)
	assert.Empty(t, share.WrappedSecret)
}

func TestRemoveShare(t *testing.T) {
	owner := testKey(t, 1)
	peer := testKey(t, 2)
	secret := testSecret(t)

	m := genesis(t, owner, secret)
	share, err := NewOwnerShare(secret, peer.Public())
	require.NoError(t, err)
	m.AddShare(share)

	require.NoError(t, m.RemoveShare(peer.Public()))
	_, ok := m.ShareFor(peer.Public())
	assert.False(t, ok)

	assert.ErrorIs(t, m.RemoveShare(peer.Public()), ErrShareNotFound)
}

func TestValidateGenesisShape(t *testing.T) {
	owner := testKey(t, 1)
	m := genesis(t, owner, testSecret(t))
	require.NoError(t, m.Validate())

	prev := testLink(7)
	m.Previous = &prev
	assert.ErrorIs(t, m.Validate(), ErrInvalidChain)

	m.Previous = nil
	m.Height = 3
	assert.ErrorIs(t, m.Validate(), ErrInvalidChain)
}

func TestProvenanceAcceptsOwnerSuccessor(t *testing.T) {
	owner := testKey(t, 1)
	secret := testSecret(t)

	prev := genesis(t, owner, secret)
	next := prev.Next(testLink(10), testLink(11), testLink(12))
	require.NoError(t, next.Sign(owner))

	require.NoError(t, next.VerifyProvenance(prev))
}

func TestProvenanceRejectsMirrorAuthor(t *testing.T) {
	owner := testKey(t, 1)
	mirror := testKey(t, 2)
	secret := testSecret(t)

	prev := genesis(t, owner, secret)
	share, err := NewMirrorShare(secret, mirror.Public())
	require.NoError(t, err)
	prev.AddShare(share)
	require.NoError(t, prev.Sign(owner))

	// The mirror signs a syntactically valid successor.
	next := prev.Next(testLink(10), testLink(11), testLink(12))
	require.NoError(t, next.Sign(mirror))

	ok, err := next.VerifySignature()
	require.NoError(t, err)
	assert.True(t, ok, "the mirror's signature itself is valid")

	assert.ErrorIs(t, next.VerifyProvenance(prev), ErrAuthorNotWriter)
}

func TestProvenanceRejectsUnknownAuthor(t *testing.T) {
	owner := testKey(t, 1)
	stranger := testKey(t, 5)
	secret := testSecret(t)

	prev := genesis(t, owner, secret)
	next := prev.Next(testLink(10), testLink(11), testLink(12))
	require.NoError(t, next.Sign(stranger))

	assert.ErrorIs(t, next.VerifyProvenance(prev), ErrAuthorNotWriter)
}

func TestProvenanceRejectsBrokenChain(t *testing.T) {
	owner := testKey(t, 1)
	secret := testSecret(t)

	prev := genesis(t, owner, secret)

	skipped := prev.Next(testLink(10), testLink(11), testLink(12))
	skipped.Height = prev.Height + 2
	require.NoError(t, skipped.Sign(owner))
	assert.ErrorIs(t, skipped.VerifyProvenance(prev), ErrInvalidChain)

	rebranded := prev.Next(testLink(10), testLink(11), testLink(12))
	rebranded.ID = uuid.New()
	require.NoError(t, rebranded.Sign(owner))
	assert.ErrorIs(t, rebranded.VerifyProvenance(prev), ErrInvalidChain)
}

func TestProvenanceRejectsOwnerRemovalByDemotedAuthor(t *testing.T) {
	owner := testKey(t, 1)
	peer := testKey(t, 2)
	secret := testSecret(t)

	prev := genesis(t, owner, secret)
	peerShare, err := NewOwnerShare(secret, peer.Public())
	require.NoError(t, err)
	prev.AddShare(peerShare)
	require.NoError(t, prev.Sign(owner))

	// The author drops the other owner and their own share in one step.
	next := prev.Next(testLink(10), testLink(11), testLink(12))
	require.NoError(t, next.RemoveShare(peer.Public()))
	require.NoError(t, next.RemoveShare(owner.Public()))
	require.NoError(t, next.Sign(owner))

	assert.ErrorIs(t, next.VerifyProvenance(prev), ErrIllegalShareRemoval)
}

func TestManifestCBORRoundTrip(t *testing.T) {
	owner := testKey(t, 1)
	m := genesis(t, owner, testSecret(t))

	data, err := codec.Marshal(m)
	require.NoError(t, err)

	var decoded Manifest
	require.NoError(t, codec.Unmarshal(data, &decoded))

	assert.Equal(t, m.ID, decoded.ID)
	assert.Equal(t, m.Author, decoded.Author)
	assert.Equal(t, m.Signature, decoded.Signature)
	assert.Equal(t, m.Shares, decoded.Shares)

	ok, err := decoded.VerifySignature()
	require.NoError(t, err)
	assert.True(t, ok, "signature must survive the round trip")
}
