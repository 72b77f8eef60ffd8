package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jax-protocol/jax/pkg/codec"
)

func TestHashComputeAndParse(t *testing.T) {
	data := []byte("hello world")
	h := ComputeHash(data)

	// Identical input yields an identical digest.
	assert.Equal(t, h, ComputeHash([]byte("hello world")))
	assert.NotEqual(t, h, ComputeHash([]byte("hello worlds")))

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash("not-hex")
	assert.Error(t, err)
	_, err = ParseHash("abcd")
	assert.Error(t, err)
}

func TestLinkStringRoundTrip(t *testing.T) {
	h := ComputeHash([]byte("payload"))

	for _, link := range []Link{RawLink(h), CborLink(h)} {
		parsed, err := ParseLink(link.String())
		require.NoError(t, err)
		assert.Equal(t, link, parsed)
	}

	assert.Equal(t, "55", RawLink(h).String()[:2])
	assert.Equal(t, "71", CborLink(h).String()[:2])
}

func TestLinkEquality(t *testing.T) {
	h := ComputeHash([]byte("x"))

	// Equal iff both codec and hash are equal.
	assert.Equal(t, RawLink(h), RawLink(h))
	assert.NotEqual(t, RawLink(h), CborLink(h))
}

func TestLinkOrdering(t *testing.T) {
	var lowHash, highHash Hash
	lowHash[0] = 0x01
	highHash[0] = 0x02

	assert.True(t, RawLink(lowHash).Less(RawLink(highHash)))
	assert.False(t, RawLink(highHash).Less(RawLink(lowHash)))
	// Codec orders before hash bytes.
	assert.True(t, RawLink(highHash).Less(CborLink(lowHash)))

	max, ok := MaxLink([]Link{RawLink(lowHash), RawLink(highHash)})
	require.True(t, ok)
	assert.Equal(t, RawLink(highHash), max)

	_, ok = MaxLink(nil)
	assert.False(t, ok)
}

func TestLinkCBORRoundTrip(t *testing.T) {
	link := CborLink(ComputeHash([]byte("cbor me")))

	data, err := codec.Marshal(link)
	require.NoError(t, err)

	var decoded Link
	require.NoError(t, codec.Unmarshal(data, &decoded))
	assert.Equal(t, link, decoded)

	// Deterministic: equal links encode to equal bytes.
	data2, err := codec.Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, data, data2)
}

func TestHashCBORRoundTrip(t *testing.T) {
	h := ComputeHash([]byte("digest"))

	data, err := codec.Marshal(h)
	require.NoError(t, err)

	var decoded Hash
	require.NoError(t, codec.Unmarshal(data, &decoded))
	assert.Equal(t, h, decoded)
}
