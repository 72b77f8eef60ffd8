package oplog

import (
	"fmt"
	gopath "path"
	"strings"

	"github.com/jax-protocol/jax/pkg/crypto"
)

// DefaultConflictHashLength is the number of hex characters of the content
// hash embedded in conflict filenames.
const DefaultConflictHashLength = 8

// ConflictFile preserves both sides of an Add/Add conflict: the base
// operation keeps the original path and the incoming one is renamed to
// `<stem>@<hash-prefix>.<ext>`, where the middle is a prefix of the
// incoming content hash. Users review the conflict files by hand.
//
// Every other conflict shape, including concurrent moves of the same
// source path, falls back to last-write-wins on OpId.
type ConflictFile struct {
	// HashLength is the number of hex characters taken from the hash.
	HashLength int
}

// NewConflictFile creates a resolver with the default hash length.
func NewConflictFile() *ConflictFile {
	return &ConflictFile{HashLength: DefaultConflictHashLength}
}

// NewConflictFileWithHashLength creates a resolver with a custom hash
// length. Shorter values risk collisions.
func NewConflictFileWithHashLength(n int) *ConflictFile {
	return &ConflictFile{HashLength: n}
}

// ConflictPath builds the conflict filename for p using version:
// `stem@version.ext`, or `stem@version` when p has no extension.
func ConflictPath(p, version string) string {
	base := gopath.Base(p)
	ext := gopath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = "file"
	}

	var name string
	if ext != "" {
		name = fmt.Sprintf("%s@%s%s", stem, version, ext)
	} else {
		name = fmt.Sprintf("%s@%s", stem, version)
	}

	dir := gopath.Dir(p)
	if dir == "." || dir == "/" {
		return name
	}
	return dir + "/" + name
}

func (r *ConflictFile) Resolve(conflict *Conflict, _ crypto.PublicKey) Resolution {
	if conflict.Base.Type == OpAdd && conflict.Incoming.Type == OpAdd {
		var version string
		if conflict.Incoming.ContentLink != nil {
			hashStr := conflict.Incoming.ContentLink.Hash.String()
			n := r.HashLength
			if n <= 0 {
				n = DefaultConflictHashLength
			}
			if n > len(hashStr) {
				n = len(hashStr)
			}
			version = hashStr[:n]
		} else {
			// An Add without content should not happen; fall back to the
			// timestamp so the rename stays deterministic.
			version = fmt.Sprintf("%d", conflict.Incoming.ID.Timestamp)
		}
		return Resolution{
			Kind:    RenameIncoming,
			NewPath: ConflictPath(conflict.Incoming.Path, version),
		}
	}

	if conflict.Base.ID.Less(conflict.Incoming.ID) {
		return Resolution{Kind: UseIncoming}
	}
	return Resolution{Kind: UseBase}
}
