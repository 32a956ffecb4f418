package transport_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adriannoes/asap-protocol-sub002/pkg/transport"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/mem"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/quic"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/tcp"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/ws"
)

func roundTrip(t *testing.T, tr transport.Transport, address string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := tr.Listen(ctx, address)
	require.NoError(t, err)
	defer l.Close()

	dialAddr := address
	if tr.Kind() != transport.KindMem {
		dialAddr = l.Addr().String()
	}

	type recv struct {
		frame []byte
		err   error
	}
	got := make(chan recv, 1)
	go func() {
		s, err := l.Accept(ctx)
		if err != nil {
			got <- recv{err: err}
			return
		}
		st, err := s.AcceptStream(ctx)
		if err != nil {
			got <- recv{err: err}
			return
		}
		b, err := st.RecvBytes()
		if err != nil {
			got <- recv{err: err}
			return
		}
		got <- recv{frame: b}
		_ = st.SendBytes([]byte("reply"))
	}()

	s, err := tr.Dial(ctx, dialAddr, transport.PeerInfo{AgentID: "agent-b", Addr: dialAddr})
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, "agent-b", s.Peer().AgentID)

	st, err := s.OpenStream(ctx)
	require.NoError(t, err)
	require.NoError(t, st.SendBytes([]byte("hello")))

	select {
	case r := <-got:
		require.NoError(t, r.err)
		require.Equal(t, []byte("hello"), r.frame)
	case <-ctx.Done():
		t.Fatal("server never received frame")
	}

	reply, err := st.RecvBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), reply)
}

func TestMemRoundTrip(t *testing.T) { roundTrip(t, mem.New(), "agent-b") }

func TestTCPRoundTrip(t *testing.T) { roundTrip(t, tcp.New(), "127.0.0.1:0") }

func TestWSRoundTrip(t *testing.T) { roundTrip(t, ws.New(), "127.0.0.1:0") }

func TestQUICRoundTrip(t *testing.T) {
	tr, err := quic.New()
	require.NoError(t, err)
	roundTrip(t, tr, "127.0.0.1:0")
}

func TestSetPeerRebindsIdentity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tr := mem.New()
	l, err := tr.Listen(ctx, "node")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s, err := l.Accept(ctx)
		if err != nil {
			return
		}
		require.Contains(t, s.Peer().Addr, "node")
		s.SetPeer(transport.PeerInfo{AgentID: "agent-a", Addr: s.Peer().Addr})
		require.Equal(t, "agent-a", s.Peer().AgentID)
	}()

	_, err = tr.Dial(ctx, "node", transport.PeerInfo{})
	require.NoError(t, err)
	<-done
}

func TestRegistryResolvesSchemes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reg := transport.NewRegistry()
	reg.Register(mem.New())
	reg.Register(tcp.New())

	l, err := reg.Listen(ctx, "mem://agent-b")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		s, err := l.Accept(ctx)
		if err == nil {
			_ = s.Close()
		}
	}()

	s, err := reg.Dial(ctx, "mem://agent-b", transport.PeerInfo{AgentID: "agent-b"})
	require.NoError(t, err)
	_ = s.Close()

	tl, err := reg.Listen(ctx, "tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer tl.Close()
	_, err = reg.Dial(ctx, fmt.Sprintf("tcp://%s", tl.Addr()), transport.PeerInfo{})
	require.NoError(t, err)

	_, err = reg.Dial(ctx, "quic://127.0.0.1:1", transport.PeerInfo{})
	require.Error(t, err, "unregistered scheme must fail")
}

func TestFrameSizeLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tr := mem.New()
	l, err := tr.Listen(ctx, "limit")
	require.NoError(t, err)
	go func() {
		s, err := l.Accept(ctx)
		if err == nil {
			defer s.Close()
			st, _ := s.AcceptStream(ctx)
			_, _ = st.RecvBytes()
		}
	}()

	s, err := tr.Dial(ctx, "limit", transport.PeerInfo{})
	require.NoError(t, err)
	st, err := s.OpenStream(ctx)
	require.NoError(t, err)
	err = st.SendBytes(make([]byte, transport.MaxFrameSize+1))
	require.ErrorIs(t, err, transport.ErrFrameTooLarge)
}
