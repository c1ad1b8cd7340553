// Package transport declares the byte-stream carrier abstraction the rest
// of the overlay programs against: Connection (a full-duplex framed
// message stream) and Server (accepts incoming Connections). Concrete
// transports live in subpackages (ws, mux).
package transport

import (
	"context"
	"fmt"

	"github.com/cubeoverlay/node/internal/overlay"
)

// Connection is a full-duplex, message-framed byte stream to one remote
// peer. Implementations own their own read pump; ReadMessage blocks until
// the next complete frame, an error, or ctx cancellation.
type Connection interface {
	// Send writes one complete frame. Safe for concurrent use, with
	// ReadMessage and with itself: NetworkPeer sends from several
	// goroutines, and the ws and mux implementations serialize writes.
	Send(ctx context.Context, frame []byte) error

	// ReadMessage blocks for the next complete frame.
	ReadMessage(ctx context.Context) ([]byte, error)

	// Close is idempotent; it unblocks any pending ReadMessage with
	// ErrClosed.
	Close() error

	// Address is the address peer traffic on this connection is observed
	// to come from (the remote TCP/IP endpoint, or transport-equivalent).
	Address() overlay.Address

	// State reports the current lifecycle state.
	State() overlay.ConnState
}

// Server accepts incoming Connections on a locally-dialable address, if
// the transport has one.
type Server interface {
	// Start begins accepting connections; Accept blocks until the next
	// incoming Connection, an error, or shutdown.
	Start(ctx context.Context) error

	// Accept blocks for the next incoming Connection. Returns an error
	// wrapping ErrClosed once Shutdown has been called.
	Accept(ctx context.Context) (Connection, error)

	// Shutdown stops accepting and closes the listening socket. Idempotent.
	Shutdown(ctx context.Context) error

	// DialableAddress is the address this server can be reached at, if
	// known. The second return value is false when no such address is
	// available yet (e.g. still binding, or behind an unknown NAT).
	DialableAddress() (overlay.Address, bool)
}

// Dialer opens an outgoing Connection to addr.
type Dialer interface {
	Dial(ctx context.Context, addr overlay.Address) (Connection, error)
}

// Kind tags which transport a TransportParam configures.
type Kind uint8

const (
	KindWebsocket Kind = iota + 1
	KindMux
)

func (k Kind) String() string {
	switch k {
	case KindWebsocket:
		return "websocket"
	case KindMux:
		return "mux"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Param replaces the source's dynamic "any" transport-construction
// argument with an enumerated, typed configuration value per transport
// kind (spec.md §9 design notes).
type Param struct {
	Kind Kind

	// Listen endpoint, used by both the websocket and the mux transport.
	ListenHost string
	ListenPort uint16

	// ListenMultiaddr is not read by either transport constructor.
	ListenMultiaddr string
}

var ErrClosed = fmt.Errorf("transport: connection closed")
