/*
Package oplog implements the CRDT-style operation log behind every bucket:
a deterministically ordered sequence of path operations (add, mkdir,
remove, move) identified by Lamport-stamped OpIds, with pluggable conflict
resolution for merges between peers.

Merges are idempotent and commutative over OpId sets; materialization
folds the log in OpId order into a path→content map plus a directory set.
*/
package oplog
