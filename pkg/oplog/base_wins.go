package oplog

import "github.com/jax-protocol/jax/pkg/crypto"

// BaseWins always keeps the local operation. Useful when local state is
// authoritative and remote edits should never clobber it. Because the
// decision privileges whichever side is local, merge outcomes under this
// resolver depend on merge direction; the convergent resolvers are
// LastWriteWins, ConflictFile, and ForkOnConflict.
type BaseWins struct{}

// NewBaseWins creates a BaseWins resolver.
func NewBaseWins() *BaseWins {
	return &BaseWins{}
}

func (*BaseWins) Resolve(*Conflict, crypto.PublicKey) Resolution {
	return Resolution{Kind: UseBase}
}
