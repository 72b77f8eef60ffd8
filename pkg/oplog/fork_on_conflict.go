package oplog

import "github.com/jax-protocol/jax/pkg/crypto"

// ForkOnConflict keeps both operations and surfaces every conflict as
// unresolved, leaving reconciliation to the user.
type ForkOnConflict struct{}

// NewForkOnConflict creates a ForkOnConflict resolver.
func NewForkOnConflict() *ForkOnConflict {
	return &ForkOnConflict{}
}

func (*ForkOnConflict) Resolve(*Conflict, crypto.PublicKey) Resolution {
	return Resolution{Kind: KeepBoth}
}
