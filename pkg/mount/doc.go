/*
Package mount presents one bucket version as a traversable, mutable
directory tree. A mount composes the blob store, the manifest's crypto
envelope, and the operation log: mutations append Lamport-stamped
operations (encrypting file content under the bucket secret), reads
materialise the log, and Save produces the next signed manifest in the
bucket's chain.
*/
package mount
