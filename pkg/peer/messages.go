package peer

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/jax-protocol/jax/pkg/codec"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/types"
)

// ProtocolID is the negotiated protocol identifier for the peer protocol.
const ProtocolID = "/iroh-jax/1"

// MaxMessageSize bounds inbound control messages. Blob content travels on
// the blob transfer path, never here.
const MaxMessageSize = 1 << 20

// ErrMessageTooLarge is returned when an inbound message exceeds
// MaxMessageSize.
var ErrMessageTooLarge = errors.New("peer message exceeds size limit")

// ErrUnknownMessage is returned for unrecognised message kinds. The
// stream is closed; the connection survives.
var ErrUnknownMessage = errors.New("unknown peer message kind")

// Message kinds.
const (
	kindPing = "ping"
	kindPong = "pong"
)

// envelope is the self-describing wire frame: a kind tag plus the
// kind-specific payload.
type envelope struct {
	Kind    string          `cbor:"1,keyasint"`
	Payload cbor.RawMessage `cbor:"2,keyasint"`
}

// Ping asks a peer where it stands on a bucket.
type Ping struct {
	BucketID  uuid.UUID        `cbor:"1,keyasint"`
	Link      types.Link       `cbor:"2,keyasint"`
	Height    uint64           `cbor:"3,keyasint"`
	Requester crypto.PublicKey `cbor:"4,keyasint"`
}

// PongStatus is the responder's verdict on a Ping.
type PongStatus uint8

const (
	// PongNotFound: the responder has no record of the bucket.
	PongNotFound PongStatus = iota + 1
	// PongInSync: both sides report the same height.
	PongInSync
	// PongAhead: the responder is ahead; the initiator should sync.
	PongAhead
	// PongBehind: the responder is behind; it will schedule its own sync.
	PongBehind
)

func (s PongStatus) String() string {
	switch s {
	case PongNotFound:
		return "not_found"
	case PongInSync:
		return "in_sync"
	case PongAhead:
		return "ahead"
	case PongBehind:
		return "behind"
	default:
		return fmt.Sprintf("pong(%d)", uint8(s))
	}
}

// Pong answers a Ping. Link and Height are set for Ahead and Behind.
type Pong struct {
	Status PongStatus  `cbor:"1,keyasint"`
	Link   *types.Link `cbor:"2,keyasint,omitempty"`
	Height uint64      `cbor:"3,keyasint,omitempty"`
}

// writeMessage frames and sends one message, then closes the write side.
func writeMessage(stream Stream, kind string, payload any) error {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	frame, err := codec.Marshal(envelope{Kind: kind, Payload: raw})
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", kind, err)
	}
	if _, err := stream.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	if err := stream.CloseWrite(); err != nil {
		return fmt.Errorf("failed to finish %s: %w", kind, err)
	}
	return nil
}

// readMessage reads one close-delimited message, enforcing the inbound
// size cap.
func readMessage(stream Stream) (envelope, error) {
	data, err := io.ReadAll(io.LimitReader(stream, MaxMessageSize+1))
	if err != nil {
		return envelope{}, fmt.Errorf("failed to read message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return envelope{}, ErrMessageTooLarge
	}
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return env, nil
}
