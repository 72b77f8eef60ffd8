/*
Package blobstore implements the content-addressed blob store: opaque byte
sequences keyed by their BLAKE3 hash, with SQLite metadata and a pluggable
object store (local filesystem, memory, or any S3-compatible endpoint).

Blobs above 16 KiB carry a BAO outboard beside the data object so peers can
stream and verify content leaf by leaf against the root hash. Metadata loss
is recoverable: Recover re-derives rows from the object store.

The store is an actor. The Store value is a cheap cloneable handle; all
mutations funnel through one goroutine over a bounded command channel while
reads run concurrently.
*/
package blobstore
