package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// SecretShare is the symmetric bucket secret. File content is encrypted
// under it before entering the blob store; every Owner and Mirror of a
// private bucket holds a wrapped copy.
type SecretShare [KeySize]byte

// GenerateShare creates a fresh random bucket secret.
func GenerateShare() (SecretShare, error) {
	var s SecretShare
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("failed to generate bucket secret: %w", err)
	}
	return s, nil
}

// ParseShare parses a hex-encoded bucket secret.
func ParseShare(s string) (SecretShare, error) {
	var out SecretShare
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid bucket secret: %w", err)
	}
	if len(b) != KeySize {
		return out, fmt.Errorf("invalid bucket secret: expected %d bytes, got %d", KeySize, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Hex returns the hex-encoded secret. Treat the result as a secret.
func (s SecretShare) Hex() string {
	return hex.EncodeToString(s[:])
}

// EncryptContent encrypts file bytes under the bucket secret.
func (s SecretShare) EncryptContent(plaintext []byte) ([]byte, error) {
	return Encrypt(s[:], plaintext)
}

// DecryptContent decrypts file bytes encrypted with EncryptContent.
func (s SecretShare) DecryptContent(ciphertext []byte) ([]byte, error) {
	return Decrypt(s[:], ciphertext)
}

// WrapShare encrypts the bucket secret to a recipient identity.
//
// An ephemeral X25519 key agrees with the recipient's exchange key (the
// Montgomery form of their Ed25519 point); the shared point is hashed into
// an AES-256-GCM key. The ephemeral public key is prepended so the
// recipient can recompute the agreement.
func WrapShare(secret SecretShare, recipient PublicKey) ([]byte, error) {
	recipientExchange, err := recipient.exchangePublic()
	if err != nil {
		return nil, fmt.Errorf("cannot wrap share for %s: %w", recipient, err)
	}

	var ephemeral [KeySize]byte
	if _, err := rand.Read(ephemeral[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeral[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}

	shared, err := curve25519.X25519(ephemeral[:], recipientExchange)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	wrapKey := sha256.Sum256(shared)

	sealed, err := Encrypt(wrapKey[:], secret[:])
	if err != nil {
		return nil, err
	}

	return append(ephemeralPub, sealed...), nil
}

// UnwrapShare recovers the bucket secret from a wrapped share using the
// recipient's secret key.
func UnwrapShare(wrapped []byte, recipient *SecretKey) (SecretShare, error) {
	var secret SecretShare
	if len(wrapped) < KeySize {
		return secret, fmt.Errorf("wrapped share too short: %d bytes", len(wrapped))
	}

	ephemeralPub, sealed := wrapped[:KeySize], wrapped[KeySize:]

	shared, err := curve25519.X25519(recipient.exchangeScalar(), ephemeralPub)
	if err != nil {
		return secret, fmt.Errorf("key agreement failed: %w", err)
	}
	wrapKey := sha256.Sum256(shared)

	plain, err := Decrypt(wrapKey[:], sealed)
	if err != nil {
		return secret, fmt.Errorf("failed to unwrap share: %w", err)
	}
	if len(plain) != KeySize {
		return secret, fmt.Errorf("unwrapped share has wrong length %d", len(plain))
	}
	copy(secret[:], plain)
	return secret, nil
}
