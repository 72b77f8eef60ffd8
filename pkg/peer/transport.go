package peer

import (
	"context"
	"io"

	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/types"
)

// Stream is one authenticated, ordered, bidirectional byte stream. Each
// stream carries exactly one request and one response; messages are
// delimited by closing the write side.
type Stream interface {
	io.Reader
	io.Writer
	// CloseWrite signals the end of the outgoing message while leaving
	// the read side open for the reply.
	CloseWrite() error
	Close() error
}

// Transport opens streams to peers by identity. The QUIC overlay (ALPN
// negotiation, discovery, connection management) lives behind this
// interface; the contract is "given a peer identity, open an
// authenticated, ordered, bidirectional byte stream".
type Transport interface {
	Dial(ctx context.Context, peer crypto.PublicKey) (Stream, error)
}

// StreamHandler accepts inbound streams. The serving side of the
// transport authenticates the remote identity before handing the stream
// over.
type StreamHandler interface {
	HandleStream(remote crypto.PublicKey, stream Stream)
}

// Downloader is the blob transfer capability the core consumes from the
// underlying transport: best-effort, racing fetches from a candidate peer
// set that land verified bytes in the local blob store.
type Downloader interface {
	// DownloadHash fetches one blob; on success the local store reports
	// Has(hash) true.
	DownloadHash(ctx context.Context, hash types.Hash, peers []crypto.PublicKey) error
	// DownloadHashList fetches a blob whose content is a sequence of
	// hashes, then fetches each of those.
	DownloadHashList(ctx context.Context, hash types.Hash, peers []crypto.PublicKey) error
}
