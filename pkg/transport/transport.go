// Package transport defines the binding interfaces the endpoint speaks
// over and provides implementations for in-process, TCP, QUIC and
// WebSocket links.
//
// Key concepts:
//   - Transport: dials/listens for Sessions of a specific Kind
//   - Session: a bidirectional connection to a remote agent
//   - Stream: a Send/Recv channel of encoded envelope frames
package transport

import (
	"context"
	"fmt"
	"net"
)

// Kind identifies a binding type for policy and logging.
type Kind int

const (
	KindUnknown Kind = iota
	KindMem
	KindTCP
	KindQUIC
	KindWS
)

func (k Kind) String() string {
	switch k {
	case KindMem:
		return "mem"
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindWS:
		return "ws"
	default:
		return "unknown"
	}
}

// KindFromScheme maps a dial/listen URL scheme to a Kind.
func KindFromScheme(scheme string) Kind {
	switch scheme {
	case "mem":
		return KindMem
	case "tcp":
		return KindTCP
	case "quic":
		return KindQUIC
	case "ws", "wss":
		return KindWS
	default:
		return KindUnknown
	}
}

// PeerInfo names the agent on the far side of a session. AgentID is
// empty on inbound sessions until the first authenticated envelope
// identifies the sender.
type PeerInfo struct {
	AgentID string
	Addr    string
}

// TempAddrID builds a placeholder identity from the remote address, used
// for inbound sessions before the sender has identified itself.
func TempAddrID(kind Kind, addr net.Addr) string {
	if addr == nil {
		return fmt.Sprintf("addr:%s:unknown", kind)
	}
	return fmt.Sprintf("addr:%s:%s", kind, addr.String())
}

// Stream is a bidirectional frame stream. Exactly one reader and one
// writer goroutine are expected; SendBytes is safe for concurrent use.
type Stream interface {
	SendBytes([]byte) error
	RecvBytes() ([]byte, error)
	Close() error
}

// Session is a connection to a remote agent. Transports with native
// multiplexing hand out independent streams; the rest return one shared
// stream from both OpenStream and AcceptStream.
type Session interface {
	Peer() PeerInfo
	// SetPeer rebinds the identity once the remote agent has
	// authenticated.
	SetPeer(PeerInfo)
	TransportKind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)

	Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
	// Accept blocks until an inbound session is available or ctx is done.
	Accept(ctx context.Context) (Session, error)
	Addr() net.Addr
	Close() error
}

// Transport provides dialing and listening for one binding kind.
type Transport interface {
	Kind() Kind
	Listen(ctx context.Context, address string) (Listener, error)
	Dial(ctx context.Context, address string, peer PeerInfo) (Session, error)
}
