package blobstore

import "errors"

var (
	// ErrNotFound is returned when a blob is not present in the store.
	ErrNotFound = errors.New("blob not found")
	// ErrIntegrity is returned when streamed data does not verify against
	// its root hash. The tainted bytes are never persisted.
	ErrIntegrity = errors.New("blob failed hash verification")
	// ErrTooLarge is returned when an incoming BAO stream exceeds the
	// configured import cap.
	ErrTooLarge = errors.New("blob exceeds max import size")
	// ErrClosed is returned when the store has been shut down.
	ErrClosed = errors.New("blob store is closed")
)
