package oplog

import (
	"github.com/jax-protocol/jax/pkg/crypto"
)

// Conflict is a detected clash between two operations on the same path.
type Conflict struct {
	// Path where the conflict occurred.
	Path string
	// Base is the local operation.
	Base PathOperation
	// Incoming is the remote operation being merged.
	Incoming PathOperation
}

// IsConcurrent reports whether both operations carry the same Lamport
// timestamp (a true concurrent edit).
func (c *Conflict) IsConcurrent() bool {
	return c.Base.ID.Timestamp == c.Incoming.ID.Timestamp
}

// CrdtWinner returns the operation with the higher OpId, the winner under
// default last-write-wins rules.
func (c *Conflict) CrdtWinner() *PathOperation {
	if c.Base.ID.Less(c.Incoming.ID) {
		return &c.Incoming
	}
	return &c.Base
}

// ResolutionKind enumerates the possible outcomes of conflict resolution.
type ResolutionKind uint8

const (
	// UseBase keeps the local operation; the incoming one is dropped.
	UseBase ResolutionKind = iota + 1
	// UseIncoming applies the remote operation.
	UseIncoming
	// KeepBoth applies the remote operation alongside the local one and
	// surfaces the conflict for manual resolution.
	KeepBoth
	// SkipBoth drops the incoming operation and retracts the local one.
	SkipBoth
	// RenameIncoming applies the remote operation under NewPath.
	RenameIncoming
)

// Resolution is a resolver's decision for one conflict.
type Resolution struct {
	Kind ResolutionKind
	// NewPath is set for RenameIncoming.
	NewPath string
}

// ResolvedConflict pairs a conflict with how it was resolved.
type ResolvedConflict struct {
	Conflict   Conflict
	Resolution Resolution
}

// MergeResult reports what a merge did.
type MergeResult struct {
	// OperationsAdded is the number of operations taken from the
	// incoming log.
	OperationsAdded int
	// ConflictsResolved lists conflicts the resolver settled.
	ConflictsResolved []ResolvedConflict
	// UnresolvedConflicts lists conflicts kept for manual resolution
	// (KeepBoth decisions).
	UnresolvedConflicts []Conflict
}

// HasUnresolved reports whether any conflicts need manual attention.
func (r *MergeResult) HasUnresolved() bool {
	return len(r.UnresolvedConflicts) > 0
}

// TotalConflicts counts resolved plus unresolved conflicts.
func (r *MergeResult) TotalConflicts() int {
	return len(r.ConflictsResolved) + len(r.UnresolvedConflicts)
}

// ConflictResolver decides how to reconcile concurrent edits of the same
// path. Implementations must be pure: the decision may depend only on the
// conflict and the local peer identity, never on ambient state, so that
// every peer resolves identically.
type ConflictResolver interface {
	Resolve(conflict *Conflict, localPeer crypto.PublicKey) Resolution
}
