package manifest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jax-protocol/jax/pkg/codec"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/types"
)

var (
	// ErrShareNotFound is returned when a principal has no share on the
	// bucket.
	ErrShareNotFound = errors.New("share not found")
	// ErrInvalidSignature is returned when a manifest's signature does
	// not verify against its author.
	ErrInvalidSignature = errors.New("manifest signature verification failed")
	// ErrAuthorNotWriter is returned when a manifest's author was not an
	// Owner in the predecessor's shares.
	ErrAuthorNotWriter = errors.New("manifest author is not a writer")
	// ErrIllegalShareRemoval is returned when a non-Owner author drops an
	// Owner share held in the predecessor.
	ErrIllegalShareRemoval = errors.New("only owners may remove shares")
	// ErrInvalidChain is returned when height or bucket id break chain
	// continuity.
	ErrInvalidChain = errors.New("manifest chain continuity violated")
)

// Manifest is the signed version object of a bucket. Its blob hash is the
// bucket's version identity; the chain of previous links is the bucket's
// history.
//
// Invariants: Previous is nil iff Height is zero; for every non-genesis
// manifest Height is previous height plus one, and the author held the
// Owner role in the predecessor's shares.
type Manifest struct {
	ID              uuid.UUID        `cbor:"1,keyasint"`
	Name            string           `cbor:"2,keyasint"`
	Author          crypto.PublicKey `cbor:"3,keyasint"`
	Signature       []byte           `cbor:"4,keyasint,omitempty"`
	Previous        *types.Link      `cbor:"5,keyasint,omitempty"`
	Height          uint64           `cbor:"6,keyasint"`
	Entry           types.Link       `cbor:"7,keyasint"`
	Pins            types.Link       `cbor:"8,keyasint"`
	Shares          map[string]Share `cbor:"9,keyasint"`
	PublishedSecret []byte           `cbor:"10,keyasint,omitempty"`
}

// New creates an unsigned genesis manifest for a bucket.
func New(id uuid.UUID, name string, author crypto.PublicKey, entry, pins types.Link) *Manifest {
	return &Manifest{
		ID:     id,
		Name:   name,
		Author: author,
		Entry:  entry,
		Pins:   pins,
		Shares: make(map[string]Share),
	}
}

// Next creates the unsigned successor of m at the given link: height plus
// one, shares carried over.
func (m *Manifest) Next(current types.Link, entry, pins types.Link) *Manifest {
	prev := current
	next := &Manifest{
		ID:       m.ID,
		Name:     m.Name,
		Author:   m.Author,
		Previous: &prev,
		Height:   m.Height + 1,
		Entry:    entry,
		Pins:     pins,
		Shares:   make(map[string]Share, len(m.Shares)),
	}
	for k, v := range m.Shares {
		next.Shares[k] = v
	}
	return next
}

// canonicalPayload is the deterministic encoding signed by the author:
// the manifest with the signature field cleared.
func (m *Manifest) canonicalPayload() ([]byte, error) {
	unsigned := *m
	unsigned.Signature = nil
	data, err := codec.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalise manifest: %w", err)
	}
	return data, nil
}

// Sign sets the author from the secret key and signs the canonical
// payload.
func (m *Manifest) Sign(secret *crypto.SecretKey) error {
	m.Author = secret.Public()
	payload, err := m.canonicalPayload()
	if err != nil {
		return err
	}
	m.Signature = secret.Sign(payload)
	return nil
}

// VerifySignature reports whether the stored signature verifies against
// the author over the canonical payload.
func (m *Manifest) VerifySignature() (bool, error) {
	if len(m.Signature) == 0 {
		return false, nil
	}
	payload, err := m.canonicalPayload()
	if err != nil {
		return false, err
	}
	return m.Author.Verify(payload, m.Signature), nil
}

// IsPublished reports whether the manifest embeds a plaintext bucket
// secret, making the bucket readable without a share.
func (m *Manifest) IsPublished() bool {
	return len(m.PublishedSecret) > 0
}

// ShareFor returns the share held by a principal, if any.
func (m *Manifest) ShareFor(identity crypto.PublicKey) (Share, bool) {
	share, ok := m.Shares[identity.Hex()]
	return share, ok
}

// DecryptShareFor recovers the bucket secret for the holder of secret.
// A published plaintext secret is returned to anyone; otherwise the
// caller's wrapped share is unwrapped, and ErrShareNotFound is returned
// when they hold none.
func (m *Manifest) DecryptShareFor(secret *crypto.SecretKey) (crypto.SecretShare, error) {
	if m.IsPublished() {
		var s crypto.SecretShare
		if len(m.PublishedSecret) != crypto.KeySize {
			return s, fmt.Errorf("published secret has invalid length %d", len(m.PublishedSecret))
		}
		copy(s[:], m.PublishedSecret)
		return s, nil
	}

	share, ok := m.ShareFor(secret.Public())
	if !ok || len(share.WrappedSecret) == 0 {
		return crypto.SecretShare{}, ErrShareNotFound
	}
	return crypto.UnwrapShare(share.WrappedSecret, secret)
}

// AddShare inserts or replaces a share keyed by its principal identity.
func (m *Manifest) AddShare(share Share) {
	if m.Shares == nil {
		m.Shares = make(map[string]Share)
	}
	m.Shares[share.Principal.Identity.Hex()] = share
}

// RemoveShare drops the share held by identity. Returns ErrShareNotFound
// when absent.
func (m *Manifest) RemoveShare(identity crypto.PublicKey) error {
	key := identity.Hex()
	if _, ok := m.Shares[key]; !ok {
		return ErrShareNotFound
	}
	delete(m.Shares, key)
	return nil
}

// Publish embeds the plaintext bucket secret and strips the per-share
// wraps; the bucket becomes readable without a share. Save with publish
// disabled to re-wrap and unpublish.
func (m *Manifest) Publish(secret crypto.SecretShare) {
	m.PublishedSecret = append([]byte(nil), secret[:]...)
	for k, share := range m.Shares {
		share.WrappedSecret = nil
		m.Shares[k] = share
	}
}

// Validate checks the internal invariants of a single manifest.
func (m *Manifest) Validate() error {
	if (m.Previous == nil) != (m.Height == 0) {
		return fmt.Errorf("%w: previous must be absent exactly at height zero (height %d)",
			ErrInvalidChain, m.Height)
	}
	return nil
}

// VerifyProvenance enforces the acceptance rules for a manifest against
// its predecessor before it enters any log:
//
//  1. the signature verifies against the author,
//  2. the author held the Owner role in the predecessor's shares,
//  3. no Owner share of the predecessor was dropped by a non-Owner,
//  4. height and bucket id continue the chain.
//
// prev is nil only for genesis manifests.
func (m *Manifest) VerifyProvenance(prev *Manifest) error {
	ok, err := m.VerifySignature()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSignature
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if prev == nil {
		return nil
	}

	authorShare, ok := prev.ShareFor(m.Author)
	if !ok || !authorShare.IsOwner() {
		return fmt.Errorf("%w: %s", ErrAuthorNotWriter, m.Author)
	}

	for key, share := range prev.Shares {
		if !share.IsOwner() {
			continue
		}
		if _, kept := m.Shares[key]; !kept {
			// Dropping an Owner is legal only when the author still holds
			// the Owner role in the resulting manifest.
			cur, holds := m.ShareFor(m.Author)
			if !holds || !cur.IsOwner() {
				return fmt.Errorf("%w: %s dropped by %s", ErrIllegalShareRemoval, key, m.Author)
			}
		}
	}

	if m.Height != prev.Height+1 {
		return fmt.Errorf("%w: height %d does not follow %d", ErrInvalidChain, m.Height, prev.Height)
	}
	if m.ID != prev.ID {
		return fmt.Errorf("%w: bucket id changed from %s to %s", ErrInvalidChain, prev.ID, m.ID)
	}
	return nil
}
