package oplog

import (
	"fmt"

	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/types"
)

// OpType enumerates filesystem mutations recorded in the log.
type OpType uint8

const (
	OpAdd OpType = iota + 1
	OpMkdir
	OpRemove
	OpMv
)

func (t OpType) String() string {
	switch t {
	case OpAdd:
		return "add"
	case OpMkdir:
		return "mkdir"
	case OpRemove:
		return "remove"
	case OpMv:
		return "mv"
	default:
		return fmt.Sprintf("optype(%d)", uint8(t))
	}
}

// OpId uniquely identifies an operation: a Lamport timestamp plus the
// authoring peer. The total order (timestamp, then peer bytes) is the
// deterministic tiebreak every peer agrees on.
type OpId struct {
	Timestamp uint64           `cbor:"1,keyasint"`
	Peer      crypto.PublicKey `cbor:"2,keyasint"`
}

// Compare orders OpIds by timestamp, then by peer bytes.
func (id OpId) Compare(other OpId) int {
	if id.Timestamp != other.Timestamp {
		if id.Timestamp < other.Timestamp {
			return -1
		}
		return 1
	}
	return id.Peer.Compare(other.Peer)
}

// Less reports whether id orders before other.
func (id OpId) Less(other OpId) bool {
	return id.Compare(other) < 0
}

func (id OpId) String() string {
	return fmt.Sprintf("%d@%s", id.Timestamp, id.Peer)
}

// PathOperation is one immutable entry in the log. Move operations carry
// the source path in From; all operations carry the effective path in Path.
type PathOperation struct {
	ID          OpId        `cbor:"1,keyasint"`
	Type        OpType      `cbor:"2,keyasint"`
	Path        string      `cbor:"3,keyasint"`
	From        string      `cbor:"4,keyasint,omitempty"`
	ContentLink *types.Link `cbor:"5,keyasint,omitempty"`
	IsDir       bool        `cbor:"6,keyasint,omitempty"`
}

// IsDestructive reports whether the operation can clobber existing state.
func (op *PathOperation) IsDestructive() bool {
	return op.Type == OpRemove || op.Type == OpMv
}

// OperationsConflict reports whether two operations conflict: same path,
// different OpIds, and at least one destructive, or both creating the
// same file. Mkdir against Mkdir is idempotent and never conflicts. Two
// moves of the same source path conflict whatever their destinations.
func OperationsConflict(base, incoming *PathOperation) bool {
	if base.ID == incoming.ID {
		return false
	}
	if base.Type == OpMv && incoming.Type == OpMv && base.From == incoming.From {
		return true
	}
	if base.Path != incoming.Path {
		return false
	}
	return base.IsDestructive() || incoming.IsDestructive() ||
		(base.Type == OpAdd && incoming.Type == OpAdd)
}

// ConflictsWithMvSource reports whether op touches the source path of a
// move operation.
func ConflictsWithMvSource(op *PathOperation, mvFrom string) bool {
	return op.Path == mvFrom
}
