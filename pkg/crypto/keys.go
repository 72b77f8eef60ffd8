package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/fxamacker/cbor/v2"
)

// KeySize is the width of public keys, secret seeds and bucket secrets.
const KeySize = 32

// PublicKey is a peer's Ed25519 identity. It renders as lowercase hex on
// all external interfaces.
type PublicKey [KeySize]byte

// ParsePublicKey parses a hex-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("invalid public key %q: %w", s, err)
	}
	if len(b) != KeySize {
		return pk, fmt.Errorf("invalid public key %q: expected %d bytes, got %d", s, KeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// Hex is an alias for String, kept for call sites that read better with it.
func (pk PublicKey) Hex() string {
	return pk.String()
}

// Compare orders public keys by their raw bytes. This is the OpId tiebreak.
func (pk PublicKey) Compare(other PublicKey) int {
	return bytes.Compare(pk[:], other[:])
}

// Verify reports whether sig is a valid signature by this key over message.
func (pk PublicKey) Verify(message, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), message, sig)
}

// MarshalCBOR encodes the key as a byte string.
func (pk PublicKey) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(pk[:])
}

// UnmarshalCBOR decodes a byte-string key.
func (pk *PublicKey) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return err
	}
	if len(b) != KeySize {
		return fmt.Errorf("invalid public key length %d", len(b))
	}
	copy(pk[:], b)
	return nil
}

// exchangePublic converts the Ed25519 point to its Montgomery u-coordinate,
// the X25519 public key sharing the same secret scalar.
func (pk PublicKey) exchangePublic() ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pk[:])
	if err != nil {
		return nil, fmt.Errorf("public key is not a valid curve point: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// SecretKey is a peer's Ed25519 signing identity. The same seed also yields
// the X25519 scalar used for share key agreement.
type SecretKey struct {
	seed [KeySize]byte
	priv ed25519.PrivateKey
}

// GenerateKey creates a new random secret key.
func GenerateKey() (*SecretKey, error) {
	var seed [KeySize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to generate key seed: %w", err)
	}
	return KeyFromSeed(seed), nil
}

// KeyFromSeed derives a secret key from a fixed seed. Used for loading a
// stored identity and for deterministic keys in tests.
func KeyFromSeed(seed [KeySize]byte) *SecretKey {
	return &SecretKey{
		seed: seed,
		priv: ed25519.NewKeyFromSeed(seed[:]),
	}
}

// ParseSecretKey parses a hex-encoded seed.
func ParseSecretKey(s string) (*SecretKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("invalid secret key: expected %d bytes, got %d", KeySize, len(b))
	}
	var seed [KeySize]byte
	copy(seed[:], b)
	return KeyFromSeed(seed), nil
}

// Hex returns the hex-encoded seed. Treat the result as a secret.
func (sk *SecretKey) Hex() string {
	return hex.EncodeToString(sk.seed[:])
}

// Public returns the signing identity for this key.
func (sk *SecretKey) Public() PublicKey {
	var pk PublicKey
	copy(pk[:], sk.priv.Public().(ed25519.PublicKey))
	return pk
}

// Sign signs message with the Ed25519 private key.
func (sk *SecretKey) Sign(message []byte) []byte {
	return ed25519.Sign(sk.priv, message)
}

// exchangeScalar returns the clamped X25519 scalar corresponding to the
// Ed25519 seed, per RFC 8032 key expansion.
func (sk *SecretKey) exchangeScalar() []byte {
	h := sha512.Sum512(sk.seed[:])
	s := make([]byte, KeySize)
	copy(s, h[:KeySize])
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
	return s
}
