package manifest

import (
	"github.com/jax-protocol/jax/pkg/crypto"
)

// Role is a sharee's capability on a bucket.
type Role string

const (
	// RoleOwner may author new manifests and manage shares.
	RoleOwner Role = "owner"
	// RoleMirror may read and replicate, but never author.
	RoleMirror Role = "mirror"
)

// Principal identifies a sharee and their role.
type Principal struct {
	Identity crypto.PublicKey `cbor:"1,keyasint"`
	Role     Role             `cbor:"2,keyasint"`
}

// Share grants one principal access to a bucket. For a private bucket the
// share carries the bucket secret wrapped to the principal's identity; a
// published bucket embeds the plaintext secret in the manifest instead and
// shares carry no wrap.
type Share struct {
	Principal     Principal `cbor:"1,keyasint"`
	WrappedSecret []byte    `cbor:"2,keyasint,omitempty"`
}

// NewOwnerShare wraps the bucket secret to an owner identity.
func NewOwnerShare(secret crypto.SecretShare, identity crypto.PublicKey) (Share, error) {
	wrapped, err := crypto.WrapShare(secret, identity)
	if err != nil {
		return Share{}, err
	}
	return Share{
		Principal:     Principal{Identity: identity, Role: RoleOwner},
		WrappedSecret: wrapped,
	}, nil
}

// NewMirrorShare wraps the bucket secret to a mirror identity.
func NewMirrorShare(secret crypto.SecretShare, identity crypto.PublicKey) (Share, error) {
	wrapped, err := crypto.WrapShare(secret, identity)
	if err != nil {
		return Share{}, err
	}
	return Share{
		Principal:     Principal{Identity: identity, Role: RoleMirror},
		WrappedSecret: wrapped,
	}, nil
}

// IsOwner reports whether the share grants authoring rights.
func (s Share) IsOwner() bool {
	return s.Principal.Role == RoleOwner
}
