package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/log"
	"github.com/jax-protocol/jax/pkg/peer"
	"github.com/jax-protocol/jax/pkg/peerstore"
)

// tcpTransport is the development transport: plain TCP with a mutual
// Ed25519 challenge handshake attesting each side's identity. Production
// deployments front the daemon with the QUIC overlay, which supplies
// authenticated streams natively; the core only ever sees the Stream
// contract.
type tcpTransport struct {
	key    *crypto.SecretKey
	peers  *peerstore.Store
	logger zerolog.Logger
}

func newTCPTransport(key *crypto.SecretKey, peers *peerstore.Store) *tcpTransport {
	return &tcpTransport{
		key:    key,
		peers:  peers,
		logger: log.WithComponent("transport"),
	}
}

const handshakeTimeout = 10 * time.Second

// Channel tags multiplex the two stream kinds over one listener: control
// messages for the peer protocol, and the blob transfer path.
const (
	chanControl byte = 0x01
	chanBlobs   byte = 0x02
)

// handshake attests both identities: each side sends a random nonce and
// answers the remote nonce with its public key and a signature over it.
func handshake(conn net.Conn, key *crypto.SecretKey) (crypto.PublicKey, error) {
	deadline := time.Now().Add(handshakeTimeout)
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	var ourNonce [32]byte
	if _, err := rand.Read(ourNonce[:]); err != nil {
		return crypto.PublicKey{}, err
	}
	if _, err := conn.Write(ourNonce[:]); err != nil {
		return crypto.PublicKey{}, fmt.Errorf("failed to send nonce: %w", err)
	}

	var theirNonce [32]byte
	if _, err := io.ReadFull(conn, theirNonce[:]); err != nil {
		return crypto.PublicKey{}, fmt.Errorf("failed to read nonce: %w", err)
	}

	pub := key.Public()
	attestation := append(pub[:], key.Sign(theirNonce[:])...)
	if _, err := conn.Write(attestation); err != nil {
		return crypto.PublicKey{}, fmt.Errorf("failed to send attestation: %w", err)
	}

	var remote crypto.PublicKey
	theirAttestation := make([]byte, crypto.KeySize+64)
	if _, err := io.ReadFull(conn, theirAttestation); err != nil {
		return crypto.PublicKey{}, fmt.Errorf("failed to read attestation: %w", err)
	}
	copy(remote[:], theirAttestation[:crypto.KeySize])
	if !remote.Verify(ourNonce[:], theirAttestation[crypto.KeySize:]) {
		return crypto.PublicKey{}, fmt.Errorf("peer failed identity attestation")
	}
	return remote, nil
}

func (t *tcpTransport) Dial(ctx context.Context, peerID crypto.PublicKey) (peer.Stream, error) {
	conn, err := t.dialChannel(ctx, peerID, chanControl)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// dialChannel opens an authenticated connection to a peer and selects a
// stream channel.
func (t *tcpTransport) dialChannel(ctx context.Context, peerID crypto.PublicKey, channel byte) (*net.TCPConn, error) {
	known, err := t.peers.Get(peerID)
	if err != nil {
		return nil, err
	}
	if known == nil || len(known.Addresses) == 0 {
		return nil, fmt.Errorf("no known address for peer %s", peerID)
	}

	var lastErr error
	for _, addr := range known.Addresses {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}

		remote, err := handshake(conn, t.key)
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		if remote != peerID {
			conn.Close()
			lastErr = fmt.Errorf("peer at %s is %s, expected %s", addr, remote, peerID)
			continue
		}
		if _, err := conn.Write([]byte{channel}); err != nil {
			conn.Close()
			lastErr = err
			continue
		}

		t.peers.Touch(peerID)
		return conn.(*net.TCPConn), nil
	}
	return nil, fmt.Errorf("failed to reach peer %s: %w", peerID, lastErr)
}

// serve accepts inbound connections, authenticates them, and routes each
// to the control handler or the blob transfer path until the listener
// closes.
func (t *tcpTransport) serve(listener net.Listener, handler peer.StreamHandler, blobs *blobServer) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		go func(conn net.Conn) {
			remote, err := handshake(conn, t.key)
			if err != nil {
				t.logger.Warn().Err(err).
					Str("addr", conn.RemoteAddr().String()).
					Msg("rejecting unauthenticated connection")
				conn.Close()
				return
			}

			var channel [1]byte
			if _, err := io.ReadFull(conn, channel[:]); err != nil {
				conn.Close()
				return
			}

			t.peers.Touch(remote)
			switch channel[0] {
			case chanControl:
				handler.HandleStream(remote, conn.(*net.TCPConn))
			case chanBlobs:
				blobs.handle(conn.(*net.TCPConn))
			default:
				t.logger.Warn().Str("peer_id", remote.Hex()).
					Msg("rejecting unknown stream channel")
				conn.Close()
			}
		}(conn)
	}
}
