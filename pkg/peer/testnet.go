package peer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jax-protocol/jax/pkg/blobstore"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/types"
)

// TestNetwork is an in-memory rendering of the overlay used by
// integration tests: streams are pipe pairs, and blob downloads move
// verified BAO streams between the registered peers' stores. It stands in
// for the QUIC transport and the blob transfer path, which live outside
// the core.
type TestNetwork struct {
	mu       sync.Mutex
	handlers map[crypto.PublicKey]StreamHandler
	stores   map[crypto.PublicKey]*blobstore.Store
}

// NewTestNetwork creates an empty network.
func NewTestNetwork() *TestNetwork {
	return &TestNetwork{
		handlers: make(map[crypto.PublicKey]StreamHandler),
		stores:   make(map[crypto.PublicKey]*blobstore.Store),
	}
}

// Join registers a peer's stream handler and blob store under its
// identity.
func (n *TestNetwork) Join(id crypto.PublicKey, handler StreamHandler, store *blobstore.Store) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = handler
	n.stores[id] = store
}

// Transport returns the dialing side for a local identity.
func (n *TestNetwork) Transport(local crypto.PublicKey) Transport {
	return &memTransport{net: n, local: local}
}

// Downloader returns the blob transfer side writing into store.
func (n *TestNetwork) Downloader(store *blobstore.Store) Downloader {
	return &memDownloader{net: n, local: store}
}

type memTransport struct {
	net   *TestNetwork
	local crypto.PublicKey
}

func (t *memTransport) Dial(_ context.Context, remote crypto.PublicKey) (Stream, error) {
	t.net.mu.Lock()
	handler := t.net.handlers[remote]
	t.net.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("peer %s is unreachable", remote)
	}

	// Two unidirectional pipes make one bidirectional stream; closing
	// the write side delivers EOF to the remote reader, which is the
	// protocol's message delimiter.
	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()

	client := &memStream{r: serverToClientR, w: clientToServerW}
	server := &memStream{r: clientToServerR, w: serverToClientW}

	go handler.HandleStream(t.local, server)
	return client, nil
}

type memStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s *memStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *memStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *memStream) CloseWrite() error           { return s.w.Close() }

func (s *memStream) Close() error {
	s.w.Close()
	return s.r.Close()
}

type memDownloader struct {
	net   *TestNetwork
	local *blobstore.Store
}

func (d *memDownloader) DownloadHash(ctx context.Context, hash types.Hash, peers []crypto.PublicKey) error {
	if has, err := d.local.Has(ctx, hash); err == nil && has {
		return nil
	}

	for _, peerID := range peers {
		d.net.mu.Lock()
		remote := d.net.stores[peerID]
		d.net.mu.Unlock()
		if remote == nil {
			continue
		}

		has, err := remote.Has(ctx, hash)
		if err != nil || !has {
			continue
		}

		items, err := remote.ExportBao(ctx, hash, nil)
		if err != nil {
			continue
		}
		if err := d.local.ImportBao(ctx, hash, items); err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: no candidate peer had %s", blobstore.ErrNotFound, hash)
}

func (d *memDownloader) DownloadHashList(ctx context.Context, hash types.Hash, peers []crypto.PublicKey) error {
	if err := d.DownloadHash(ctx, hash, peers); err != nil {
		return err
	}
	var hashes []types.Hash
	if err := d.local.GetCBOR(ctx, hash, &hashes); err != nil {
		return err
	}
	for _, h := range hashes {
		if err := d.DownloadHash(ctx, h, peers); err != nil {
			return err
		}
	}
	return nil
}
