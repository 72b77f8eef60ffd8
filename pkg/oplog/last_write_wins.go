package oplog

import "github.com/jax-protocol/jax/pkg/crypto"

// LastWriteWins is the default CRDT resolution: the operation with the
// higher OpId wins: higher Lamport timestamp first, then higher peer bytes as
// the tiebreak. Concurrent moves of the same source path resolve the same
// way: the later OpId's destination wins.
type LastWriteWins struct{}

// NewLastWriteWins creates a LastWriteWins resolver.
func NewLastWriteWins() *LastWriteWins {
	return &LastWriteWins{}
}

func (*LastWriteWins) Resolve(conflict *Conflict, _ crypto.PublicKey) Resolution {
	if conflict.Base.ID.Less(conflict.Incoming.ID) {
		return Resolution{Kind: UseIncoming}
	}
	return Resolution{Kind: UseBase}
}
