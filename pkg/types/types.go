package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"lukechampine.com/blake3"
)

// HashSize is the width of a BLAKE3 digest in bytes.
const HashSize = 32

// Codec tags distinguishing how a linked blob's payload is interpreted.
const (
	// CodecRaw marks a blob of opaque bytes.
	CodecRaw uint64 = 0x55
	// CodecDagCbor marks a blob containing a DAG-CBOR document.
	CodecDagCbor uint64 = 0x71
)

// Hash is a BLAKE3 content digest. It renders as lowercase hex on all
// external interfaces.
type Hash [HashSize]byte

// ComputeHash returns the BLAKE3 digest of data.
func ComputeHash(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// ParseHash parses a lowercase-hex digest string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash %q: expected %d bytes, got %d", s, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalCBOR encodes the hash as a byte string.
func (h Hash) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(h[:])
}

// UnmarshalCBOR decodes a byte-string hash.
func (h *Hash) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return err
	}
	if len(b) != HashSize {
		return fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return nil
}

// Link identifies a blob together with the codec needed to interpret it.
// Two links are equal iff both codec and hash are equal.
type Link struct {
	Codec uint64
	Hash  Hash
}

// NewLink creates a link with the given codec tag.
func NewLink(codec uint64, hash Hash) Link {
	return Link{Codec: codec, Hash: hash}
}

// RawLink links a raw-bytes blob.
func RawLink(hash Hash) Link {
	return NewLink(CodecRaw, hash)
}

// CborLink links a DAG-CBOR blob.
func CborLink(hash Hash) Link {
	return NewLink(CodecDagCbor, hash)
}

// ParseLink parses the string form produced by String: a two-character hex
// codec tag followed by the hex digest.
func ParseLink(s string) (Link, error) {
	if len(s) != 2+2*HashSize {
		return Link{}, fmt.Errorf("invalid link %q: wrong length", s)
	}
	codec, err := hex.DecodeString(s[:2])
	if err != nil {
		return Link{}, fmt.Errorf("invalid link codec in %q: %w", s, err)
	}
	h, err := ParseHash(s[2:])
	if err != nil {
		return Link{}, err
	}
	return Link{Codec: uint64(codec[0]), Hash: h}, nil
}

func (l Link) String() string {
	return fmt.Sprintf("%02x%s", byte(l.Codec), l.Hash.String())
}

// IsZero reports whether the link is the zero value.
func (l Link) IsZero() bool {
	return l.Codec == 0 && l.Hash.IsZero()
}

// Compare orders links by codec tag, then by hash bytes. This bytewise
// order is the deterministic tiebreak used for canonical head selection.
func (l Link) Compare(other Link) int {
	if l.Codec != other.Codec {
		if l.Codec < other.Codec {
			return -1
		}
		return 1
	}
	return bytes.Compare(l.Hash[:], other.Hash[:])
}

// Less reports whether l orders before other.
func (l Link) Less(other Link) bool {
	return l.Compare(other) < 0
}

// MaxLink returns the greatest link by Compare, the canonical-head winner
// among equal-height candidates.
func MaxLink(links []Link) (Link, bool) {
	if len(links) == 0 {
		return Link{}, false
	}
	max := links[0]
	for _, l := range links[1:] {
		if max.Less(l) {
			max = l
		}
	}
	return max, true
}

// linkWire is the CBOR representation: codec tag followed by digest bytes.
type linkWire struct {
	_     struct{} `cbor:",toarray"`
	Codec uint64
	Hash  []byte
}

// MarshalCBOR encodes the link as a two-element array [codec, digest].
func (l Link) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(linkWire{Codec: l.Codec, Hash: l.Hash[:]})
}

// UnmarshalCBOR decodes the [codec, digest] array form.
func (l *Link) UnmarshalCBOR(data []byte) error {
	var w linkWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Hash) != HashSize {
		return fmt.Errorf("invalid link digest length %d", len(w.Hash))
	}
	l.Codec = w.Codec
	copy(l.Hash[:], w.Hash)
	return nil
}
