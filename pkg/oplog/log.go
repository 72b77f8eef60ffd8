package oplog

import (
	"sort"

	"github.com/jax-protocol/jax/pkg/codec"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/types"
)

// PathOpLog is the ordered operation log of a bucket: a set of operations
// deduplicated by OpId and sorted ascending. The sorted order is total and
// deterministic, so any two peers holding the same OpId set materialize
// the same tree.
type PathOpLog struct {
	ops []PathOperation
}

// New creates an empty log.
func New() *PathOpLog {
	return &PathOpLog{}
}

// FromOps builds a log from operations, deduplicating and sorting.
func FromOps(ops []PathOperation) *PathOpLog {
	l := New()
	for _, op := range ops {
		l.Append(op)
	}
	return l
}

// Len returns the number of operations.
func (l *PathOpLog) Len() int {
	return len(l.ops)
}

// Ops returns the operations in OpId order. The slice is shared; callers
// must not mutate it.
func (l *PathOpLog) Ops() []PathOperation {
	return l.ops
}

// Has reports whether an operation with the given id is present.
func (l *PathOpLog) Has(id OpId) bool {
	i := sort.Search(len(l.ops), func(i int) bool {
		return !l.ops[i].ID.Less(id)
	})
	return i < len(l.ops) && l.ops[i].ID == id
}

// Append inserts op preserving sort order. Duplicates by OpId are dropped.
func (l *PathOpLog) Append(op PathOperation) bool {
	i := sort.Search(len(l.ops), func(i int) bool {
		return !l.ops[i].ID.Less(op.ID)
	})
	if i < len(l.ops) && l.ops[i].ID == op.ID {
		return false
	}
	l.ops = append(l.ops, PathOperation{})
	copy(l.ops[i+1:], l.ops[i:])
	l.ops[i] = op
	return true
}

// MaxTimestamp returns the highest Lamport timestamp in the log, or zero
// for an empty log. New operations must be stamped past it.
func (l *PathOpLog) MaxTimestamp() uint64 {
	var max uint64
	for _, op := range l.ops {
		if op.ID.Timestamp > max {
			max = op.ID.Timestamp
		}
	}
	return max
}

// Clone returns a deep copy of the log.
func (l *PathOpLog) Clone() *PathOpLog {
	ops := make([]PathOperation, len(l.ops))
	copy(ops, l.ops)
	return &PathOpLog{ops: ops}
}

// remove deletes the operation with the given id, preserving sort order.
func (l *PathOpLog) remove(id OpId) bool {
	i := sort.Search(len(l.ops), func(i int) bool {
		return !l.ops[i].ID.Less(id)
	})
	if i >= len(l.ops) || l.ops[i].ID != id {
		return false
	}
	l.ops = append(l.ops[:i], l.ops[i+1:]...)
	return true
}

// Merge folds the operations of other into l under the given resolver.
//
// Every incoming operation is resolved against a snapshot of l taken
// before the merge, never against state this same call already admitted,
// and a resolution that picks a winner retracts the losing operation
// from the log instead of leaving both behind. Together these make the
// outcome a function of the union of OpIds and the resolver's pairwise
// decisions alone: merging the same set of logs in any order converges
// on the same operation set (BaseWins is the deliberate exception, since
// privileging the local side is its entire point).
func (l *PathOpLog) Merge(other *PathOpLog, resolver ConflictResolver, localPeer crypto.PublicKey) MergeResult {
	var result MergeResult

	snapshot := l.Clone()

	for _, incoming := range other.ops {
		if snapshot.Has(incoming.ID) {
			continue
		}

		// The latest pre-merge op on the same path represents the local
		// side of the conflict.
		var base *PathOperation
		for i := range snapshot.ops {
			if OperationsConflict(&snapshot.ops[i], &incoming) {
				base = &snapshot.ops[i]
			}
		}

		if base == nil {
			if l.Append(incoming) {
				result.OperationsAdded++
			}
			continue
		}

		conflict := Conflict{Path: incoming.Path, Base: *base, Incoming: incoming}
		resolution := resolver.Resolve(&conflict, localPeer)

		switch resolution.Kind {
		case UseBase:
			result.ConflictsResolved = append(result.ConflictsResolved,
				ResolvedConflict{Conflict: conflict, Resolution: resolution})
		case UseIncoming:
			l.remove(base.ID)
			if l.Append(incoming) {
				result.OperationsAdded++
			}
			result.ConflictsResolved = append(result.ConflictsResolved,
				ResolvedConflict{Conflict: conflict, Resolution: resolution})
		case KeepBoth:
			if l.Append(incoming) {
				result.OperationsAdded++
			}
			result.UnresolvedConflicts = append(result.UnresolvedConflicts, conflict)
		case SkipBoth:
			l.remove(base.ID)
			result.ConflictsResolved = append(result.ConflictsResolved,
				ResolvedConflict{Conflict: conflict, Resolution: resolution})
		case RenameIncoming:
			renamed := incoming
			renamed.Path = resolution.NewPath
			if l.Append(renamed) {
				result.OperationsAdded++
			}
			result.ConflictsResolved = append(result.ConflictsResolved,
				ResolvedConflict{Conflict: conflict, Resolution: resolution})
		}
	}

	return result
}

// MissingFrom returns the operations of other that are not present in l,
// in OpId order.
func (l *PathOpLog) MissingFrom(other *PathOpLog) []PathOperation {
	var missing []PathOperation
	for _, op := range other.ops {
		if !l.Has(op.ID) {
			missing = append(missing, op)
		}
	}
	return missing
}

// Encode serialises the log as deterministic CBOR.
func (l *PathOpLog) Encode() ([]byte, error) {
	return codec.Marshal(l.ops)
}

// Decode parses a log encoded with Encode.
func Decode(data []byte) (*PathOpLog, error) {
	var ops []PathOperation
	if err := codec.Unmarshal(data, &ops); err != nil {
		return nil, err
	}
	return FromOps(ops), nil
}

// Tree is the materialised view of a log: file paths mapped to content
// links, plus the set of directories.
type Tree struct {
	Files map[string]types.Link
	Dirs  map[string]bool
}

// Materialize folds the operations in OpId order into a tree.
func (l *PathOpLog) Materialize() *Tree {
	t := &Tree{
		Files: make(map[string]types.Link),
		Dirs:  make(map[string]bool),
	}

	for _, op := range l.ops {
		switch op.Type {
		case OpAdd:
			if op.ContentLink != nil {
				t.Files[op.Path] = *op.ContentLink
			}
		case OpMkdir:
			t.Dirs[op.Path] = true
		case OpRemove:
			if op.IsDir || t.Dirs[op.Path] {
				t.removeDir(op.Path)
			}
			delete(t.Files, op.Path)
			delete(t.Dirs, op.Path)
		case OpMv:
			if link, ok := t.Files[op.From]; ok {
				delete(t.Files, op.From)
				t.Files[op.Path] = link
			}
			if t.Dirs[op.From] {
				t.moveDir(op.From, op.Path)
			}
		}
	}

	return t
}

func (t *Tree) removeDir(dir string) {
	prefix := dir + "/"
	for p := range t.Files {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			delete(t.Files, p)
		}
	}
	for p := range t.Dirs {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			delete(t.Dirs, p)
		}
	}
}

func (t *Tree) moveDir(from, to string) {
	delete(t.Dirs, from)
	t.Dirs[to] = true

	prefix := from + "/"
	moveFiles := make(map[string]types.Link)
	for p, link := range t.Files {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			moveFiles[to+"/"+p[len(prefix):]] = link
			delete(t.Files, p)
		}
	}
	for p, link := range moveFiles {
		t.Files[p] = link
	}

	moveDirs := make([]string, 0)
	for p := range t.Dirs {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			moveDirs = append(moveDirs, p)
		}
	}
	for _, p := range moveDirs {
		delete(t.Dirs, p)
		t.Dirs[to+"/"+p[len(prefix):]] = true
	}
}
