package main

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/jax-protocol/jax/pkg/blobstore"
	"github.com/jax-protocol/jax/pkg/codec"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/log"
	"github.com/jax-protocol/jax/pkg/types"
)

// The blob transfer path of the development transport: the requester
// sends a 32-byte hash, the provider answers with the verified BAO
// stream for the blob, and the receiver re-verifies every span against
// the root hash before persisting.

// blobServer answers inbound blob requests from the local store.
type blobServer struct {
	store  *blobstore.Store
	logger zerolog.Logger
}

func newBlobServer(store *blobstore.Store) *blobServer {
	return &blobServer{store: store, logger: log.WithComponent("blobserver")}
}

func (s *blobServer) handle(conn *net.TCPConn) {
	defer conn.Close()

	var hash types.Hash
	if _, err := io.ReadFull(conn, hash[:]); err != nil {
		s.logger.Warn().Err(err).Msg("failed to read blob request")
		return
	}

	items, err := s.store.ExportBao(context.Background(), hash, nil)
	if err != nil {
		// Close without a payload; the requester tries its next
		// candidate.
		s.logger.Debug().Err(err).Str("hash", hash.String()).Msg("blob not served")
		return
	}

	frame, err := codec.Marshal(items)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode blob stream")
		return
	}
	if _, err := conn.Write(frame); err != nil {
		s.logger.Debug().Err(err).Msg("failed to send blob stream")
		return
	}
	conn.CloseWrite()
}

// blobFetcher implements the Downloader capability over the development
// transport.
type blobFetcher struct {
	transport *tcpTransport
	store     *blobstore.Store
	logger    zerolog.Logger
}

func newBlobFetcher(transport *tcpTransport, store *blobstore.Store) *blobFetcher {
	return &blobFetcher{
		transport: transport,
		store:     store,
		logger:    log.WithComponent("blobfetch"),
	}
}

func (f *blobFetcher) DownloadHash(ctx context.Context, hash types.Hash, peers []crypto.PublicKey) error {
	if has, err := f.store.Has(ctx, hash); err == nil && has {
		return nil
	}

	var lastErr error
	for _, peerID := range peers {
		if err := f.fetchFrom(ctx, hash, peerID); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no download candidates")
	}
	return fmt.Errorf("failed to download %s: %w", hash, lastErr)
}

func (f *blobFetcher) fetchFrom(ctx context.Context, hash types.Hash, peerID crypto.PublicKey) error {
	conn, err := f.transport.dialChannel(ctx, peerID, chanBlobs)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(hash[:]); err != nil {
		return fmt.Errorf("failed to send blob request: %w", err)
	}
	if err := conn.CloseWrite(); err != nil {
		return err
	}

	frame, err := io.ReadAll(conn)
	if err != nil {
		return fmt.Errorf("failed to read blob stream: %w", err)
	}
	if len(frame) == 0 {
		return fmt.Errorf("peer %s does not have %s", peerID, hash)
	}

	var items []blobstore.BaoItem
	if err := codec.Unmarshal(frame, &items); err != nil {
		return fmt.Errorf("failed to decode blob stream: %w", err)
	}
	return f.store.ImportBao(ctx, hash, items)
}

func (f *blobFetcher) DownloadHashList(ctx context.Context, hash types.Hash, peers []crypto.PublicKey) error {
	if err := f.DownloadHash(ctx, hash, peers); err != nil {
		return err
	}

	var hashes []types.Hash
	if err := f.store.GetCBOR(ctx, hash, &hashes); err != nil {
		return err
	}
	for _, h := range hashes {
		if err := f.DownloadHash(ctx, h, peers); err != nil {
			f.logger.Warn().Err(err).Str("hash", h.String()).
				Msg("failed to download pinned blob")
		}
	}
	return nil
}
