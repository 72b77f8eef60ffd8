package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jax-protocol/jax/pkg/blobstore"
	"github.com/jax-protocol/jax/pkg/bucketlog"
	"github.com/jax-protocol/jax/pkg/codec"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/log"
	"github.com/jax-protocol/jax/pkg/manifest"
)

// Peer bundles everything a node needs to load data, answer other peers,
// and manage buckets: the bucket log, the blob store, the node identity,
// the transport, and the job dispatcher. Peer values are shared handles;
// everything inside is safe for concurrent use.
type Peer struct {
	logs       bucketlog.Provider
	blobs      *blobstore.Store
	secret     *crypto.SecretKey
	transport  Transport
	downloader Downloader
	jobs       *JobDispatcher
	logger     zerolog.Logger
}

// Builder assembles a Peer. Logs, blobs, transport, and downloader are
// required; Build panics with a descriptive message when one is missing
// (construction bugs, not runtime conditions). A missing secret key is
// generated.
type Builder struct {
	logs       bucketlog.Provider
	blobs      *blobstore.Store
	secret     *crypto.SecretKey
	transport  Transport
	downloader Downloader
}

// NewBuilder creates an empty peer builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Logs(logs bucketlog.Provider) *Builder {
	b.logs = logs
	return b
}

func (b *Builder) Blobs(blobs *blobstore.Store) *Builder {
	b.blobs = blobs
	return b
}

func (b *Builder) Secret(secret *crypto.SecretKey) *Builder {
	b.secret = secret
	return b
}

func (b *Builder) Transport(t Transport) *Builder {
	b.transport = t
	return b
}

func (b *Builder) Downloader(d Downloader) *Builder {
	b.downloader = d
	return b
}

// Build constructs the peer and its worker. The worker owns the job
// receiver and must be run by exactly one goroutine; the peer handle may
// be cloned freely.
func (b *Builder) Build() (*Peer, *Worker) {
	if b.logs == nil {
		panic("peer.Builder: a bucket log provider is required before Build")
	}
	if b.blobs == nil {
		panic("peer.Builder: a blob store is required before Build")
	}
	if b.transport == nil {
		panic("peer.Builder: a transport is required before Build")
	}
	if b.downloader == nil {
		panic("peer.Builder: a downloader is required before Build")
	}

	secret := b.secret
	if secret == nil {
		var err error
		secret, err = crypto.GenerateKey()
		if err != nil {
			panic("peer.Builder: failed to generate identity: " + err.Error())
		}
	}

	jobs, receiver := newJobChannel()
	p := &Peer{
		logs:       b.logs,
		blobs:      b.blobs,
		secret:     secret,
		transport:  b.transport,
		downloader: b.downloader,
		jobs:       jobs,
		logger:     log.WithComponent("peer"),
	}
	return p, newWorker(p, receiver)
}

// ID returns the peer's public identity.
func (p *Peer) ID() crypto.PublicKey {
	return p.secret.Public()
}

// Logs returns the bucket log provider.
func (p *Peer) Logs() bucketlog.Provider {
	return p.logs
}

// Blobs returns the blob store handle.
func (p *Peer) Blobs() *blobstore.Store {
	return p.blobs
}

// Secret returns the peer's secret key.
func (p *Peer) Secret() *crypto.SecretKey {
	return p.secret
}

// Jobs returns the job dispatcher.
func (p *Peer) Jobs() *JobDispatcher {
	return p.jobs
}

// headManifest loads the manifest at the bucket's canonical head.
func (p *Peer) headManifest(ctx context.Context, id uuid.UUID) (*manifest.Manifest, error) {
	head, _, err := p.logs.Head(ctx, id)
	if err != nil {
		return nil, err
	}
	var man manifest.Manifest
	if err := p.blobs.GetCBOR(ctx, head.Hash, &man); err != nil {
		return nil, fmt.Errorf("failed to load head manifest for %s: %w", id, err)
	}
	return &man, nil
}

// SharePeers returns the identities holding shares on the bucket's
// current head, excluding our own.
func (p *Peer) SharePeers(ctx context.Context, id uuid.UUID) ([]crypto.PublicKey, error) {
	man, err := p.headManifest(ctx, id)
	if err != nil {
		return nil, err
	}

	self := p.ID().Hex()
	var peers []crypto.PublicKey
	for keyHex, share := range man.Shares {
		if keyHex == self {
			continue
		}
		peers = append(peers, share.Principal.Identity)
	}
	return peers, nil
}

// VerifyProvenance reports whether our key appears in the manifest's
// shares, the gate a synced chain must pass before we apply it.
func (p *Peer) VerifyProvenance(man *manifest.Manifest) bool {
	_, ok := man.ShareFor(p.ID())
	return ok
}

// Ping sends one ping for a bucket to a peer and reacts to the answer
// (an Ahead response schedules a sync job). Returns the pong for callers
// that want to inspect it.
func (p *Peer) Ping(ctx context.Context, bucketID uuid.UUID, peerID crypto.PublicKey) (*Pong, error) {
	head, height, err := p.logs.Head(ctx, bucketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get head for bucket %s: %w", bucketID, err)
	}

	ping := Ping{
		BucketID:  bucketID,
		Link:      head,
		Height:    height,
		Requester: p.ID(),
	}

	pong, err := p.sendPing(ctx, peerID, ping)
	if err != nil {
		return nil, err
	}

	p.handlePongResponse(bucketID, peerID, pong)
	return pong, nil
}

// sendPing performs one request/response exchange on a fresh stream.
func (p *Peer) sendPing(ctx context.Context, peerID crypto.PublicKey, ping Ping) (*Pong, error) {
	stream, err := p.transport.Dial(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer %s: %w", peerID, err)
	}
	defer stream.Close()

	if err := writeMessage(stream, kindPing, &ping); err != nil {
		return nil, err
	}

	env, err := readMessage(stream)
	if err != nil {
		return nil, err
	}
	if env.Kind != kindPong {
		return nil, fmt.Errorf("%w: expected pong, got %q", ErrUnknownMessage, env.Kind)
	}

	var pong Pong
	if err := codec.Unmarshal(env.Payload, &pong); err != nil {
		return nil, fmt.Errorf("failed to decode pong: %w", err)
	}
	return &pong, nil
}

// handlePongResponse is the initiator-side reaction to a pong.
func (p *Peer) handlePongResponse(bucketID uuid.UUID, peerID crypto.PublicKey, pong *Pong) {
	switch pong.Status {
	case PongAhead:
		if pong.Link == nil {
			p.logger.Warn().Str("bucket_id", bucketID.String()).
				Msg("ahead pong without a link, ignoring")
			return
		}
		p.logger.Info().
			Str("bucket_id", bucketID.String()).
			Str("peer_id", peerID.Hex()).
			Uint64("height", pong.Height).
			Msg("peer is ahead, scheduling sync")
		if err := p.jobs.Dispatch(SyncBucketJob{
			BucketID:     bucketID,
			TargetLink:   *pong.Link,
			TargetHeight: pong.Height,
			PeerID:       peerID,
		}); err != nil {
			p.logger.Warn().Err(err).Msg("failed to dispatch sync job")
		}
	case PongBehind:
		// They will schedule their own sync against us.
		p.logger.Debug().Str("bucket_id", bucketID.String()).
			Str("peer_id", peerID.Hex()).Msg("peer is behind")
	case PongInSync:
		p.logger.Debug().Str("bucket_id", bucketID.String()).
			Str("peer_id", peerID.Hex()).Msg("peers are in sync")
	case PongNotFound:
		p.logger.Debug().Str("bucket_id", bucketID.String()).
			Str("peer_id", peerID.Hex()).Msg("peer does not have this bucket")
	}
}

// HandleStream processes one inbound request stream: read, dispatch,
// respond, run post-response hooks. Peer misbehaviour is logged and the
// stream closed; it never takes the connection down.
func (p *Peer) HandleStream(remote crypto.PublicKey, stream Stream) {
	defer stream.Close()

	env, err := readMessage(stream)
	if err != nil {
		p.logger.Warn().Err(err).Str("peer_id", remote.Hex()).Msg("failed to read request")
		return
	}

	switch env.Kind {
	case kindPing:
		var ping Ping
		if err := codec.Unmarshal(env.Payload, &ping); err != nil {
			p.logger.Warn().Err(err).Str("peer_id", remote.Hex()).Msg("malformed ping")
			return
		}
		pong := p.handlePingRequest(context.Background(), &ping)
		if err := writeMessage(stream, kindPong, pong); err != nil {
			p.logger.Warn().Err(err).Str("peer_id", remote.Hex()).Msg("failed to send pong")
			return
		}
		// Post-response side effects run after the reply is on the wire
		// so they never block the response path.
		p.afterPongSent(remote, &ping, pong)
	default:
		p.logger.Warn().Str("kind", env.Kind).Str("peer_id", remote.Hex()).
			Msg("rejecting unrecognised message")
	}
}

// handlePingRequest is the responder-side business logic: compare our
// bucket state with the initiator's.
func (p *Peer) handlePingRequest(ctx context.Context, ping *Ping) *Pong {
	height, err := p.logs.Height(ctx, ping.BucketID)
	if err != nil {
		if errors.Is(err, bucketlog.ErrHeadNotFound) {
			return &Pong{Status: PongNotFound}
		}
		p.logger.Error().Err(err).Str("bucket_id", ping.BucketID.String()).
			Msg("failed to read bucket height")
		return &Pong{Status: PongNotFound}
	}

	head, err := p.logs.HeadAt(ctx, ping.BucketID, height)
	if err != nil {
		p.logger.Error().Err(err).Str("bucket_id", ping.BucketID.String()).
			Msg("failed to read bucket head")
		return &Pong{Status: PongNotFound}
	}

	switch {
	case height < ping.Height:
		return &Pong{Status: PongBehind, Link: &head, Height: height}
	case height == ping.Height:
		return &Pong{Status: PongInSync}
	default:
		return &Pong{Status: PongAhead, Link: &head, Height: height}
	}
}

// afterPongSent schedules follow-up work after answering a ping. Telling
// a peer we are behind means we want what they have: schedule our own
// sync against the requester.
func (p *Peer) afterPongSent(remote crypto.PublicKey, ping *Ping, pong *Pong) {
	if pong.Status != PongBehind {
		return
	}
	if err := p.jobs.Dispatch(SyncBucketJob{
		BucketID:     ping.BucketID,
		TargetLink:   ping.Link,
		TargetHeight: ping.Height,
		PeerID:       remote,
	}); err != nil {
		p.logger.Warn().Err(err).Str("bucket_id", ping.BucketID.String()).
			Msg("failed to schedule sync after pong")
	}
}
