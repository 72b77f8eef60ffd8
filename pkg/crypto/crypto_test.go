package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyGenerationAndParsing(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	parsed, err := ParseSecretKey(key.Hex())
	require.NoError(t, err)
	assert.Equal(t, key.Public(), parsed.Public())

	pub, err := ParsePublicKey(key.Public().Hex())
	require.NoError(t, err)
	assert.Equal(t, key.Public(), pub)
}

func TestDeterministicKeysFromSeed(t *testing.T) {
	var seed [KeySize]byte
	seed[0] = 42

	key1 := KeyFromSeed(seed)
	key2 := KeyFromSeed(seed)
	assert.Equal(t, key1.Public(), key2.Public())
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	message := []byte("signed payload")
	sig := key.Sign(message)
	assert.True(t, key.Public().Verify(message, sig))
	assert.False(t, key.Public().Verify([]byte("other payload"), sig))

	other, err := GenerateKey()
	require.NoError(t, err)
	assert.False(t, other.Public().Verify(message, sig))
}

func TestPublicKeyOrdering(t *testing.T) {
	var low, high PublicKey
	low[0] = 1
	high[0] = 2

	assert.Equal(t, -1, low.Compare(high))
	assert.Equal(t, 1, high.Compare(low))
	assert.Equal(t, 0, low.Compare(low))
}

func TestContentEncryptionRoundTrip(t *testing.T) {
	secret, err := GenerateShare()
	require.NoError(t, err)

	plaintext := []byte("file content to protect")
	ciphertext, err := secret.EncryptContent(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := secret.DecryptContent(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	// A different secret cannot decrypt.
	other, err := GenerateShare()
	require.NoError(t, err)
	_, err = other.DecryptContent(ciphertext)
	assert.Error(t, err)
}

func TestEncryptionIsNondeterministic(t *testing.T) {
	secret, err := GenerateShare()
	require.NoError(t, err)

	a, err := secret.EncryptContent([]byte("same"))
	require.NoError(t, err)
	b, err := secret.EncryptContent([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonce per encryption")
}

func TestShareWrapUnwrap(t *testing.T) {
	secret, err := GenerateShare()
	require.NoError(t, err)

	recipient, err := GenerateKey()
	require.NoError(t, err)

	wrapped, err := WrapShare(secret, recipient.Public())
	require.NoError(t, err)

	unwrapped, err := UnwrapShare(wrapped, recipient)
	require.NoError(t, err)
	assert.Equal(t, secret, unwrapped)
}

func TestShareUnwrapWrongRecipient(t *testing.T) {
	secret, err := GenerateShare()
	require.NoError(t, err)

	recipient, err := GenerateKey()
	require.NoError(t, err)
	eavesdropper, err := GenerateKey()
	require.NoError(t, err)

	wrapped, err := WrapShare(secret, recipient.Public())
	require.NoError(t, err)

	_, err = UnwrapShare(wrapped, eavesdropper)
	assert.Error(t, err)
}

func TestShareHexRoundTrip(t *testing.T) {
	secret, err := GenerateShare()
	require.NoError(t, err)

	parsed, err := ParseShare(secret.Hex())
	require.NoError(t, err)
	assert.Equal(t, secret, parsed)
}
