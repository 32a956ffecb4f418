// Package ws is a WebSocket transport. Envelope frames map one-to-one
// onto binary websocket messages, so no extra length prefix is needed.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adriannoes/asap-protocol-sub002/pkg/transport"
)

const path = "/asap"

type Transport struct {
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

func New() *Transport {
	return &Transport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// cross-origin agents are expected
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindWS }

// Listen serves websocket upgrades on address (host:port) at /asap.
func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	nl, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	wl := &listener{
		nl:      nl,
		newCh:   make(chan *session, 8),
		closeCh: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		c, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := newSession(c, transport.PeerInfo{
			AgentID: transport.TempAddrID(transport.KindWS, c.RemoteAddr()),
			Addr:    c.RemoteAddr().String(),
		})
		select {
		case wl.newCh <- s:
		default:
			_ = s.Close()
		}
	})
	wl.srv = &http.Server{Handler: mux}
	go func() { _ = wl.srv.Serve(nl) }()
	go func() {
		<-ctx.Done()
		_ = wl.Close()
	}()
	return wl, nil
}

// Dial connects to a ws:// or wss:// URL. A bare host:port is completed
// with the default scheme and path.
func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	u := address
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		u = "ws://" + u + path
	}
	c, _, err := t.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	s := newSession(c, peer)
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

type listener struct {
	nl      net.Listener
	srv     *http.Server
	newCh   chan *session
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.nl.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("ws: listener closed")
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	return l.srv.Close()
}

type session struct {
	mu   sync.Mutex
	pmu  sync.Mutex
	peer transport.PeerInfo
	c    *websocket.Conn
}

func newSession(c *websocket.Conn, peer transport.PeerInfo) *session {
	return &session{peer: peer, c: c}
}

func (s *session) Peer() transport.PeerInfo {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return s.peer
}

func (s *session) SetPeer(pi transport.PeerInfo) {
	s.pmu.Lock()
	s.peer = pi
	s.pmu.Unlock()
}

func (s *session) TransportKind() transport.Kind { return transport.KindWS }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }

func (s *session) OpenStream(_ context.Context) (transport.Stream, error)   { return s, nil }
func (s *session) AcceptStream(_ context.Context) (transport.Stream, error) { return s, nil }
func (s *session) Close() error                                             { return s.c.Close() }

func (s *session) SendBytes(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(b) > transport.MaxFrameSize {
		return transport.ErrFrameTooLarge
	}
	return s.c.WriteMessage(websocket.BinaryMessage, b)
}

func (s *session) RecvBytes() ([]byte, error) {
	for {
		mt, b, err := s.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage || mt == websocket.TextMessage {
			return b, nil
		}
	}
}
