// Package quic is a QUIC transport with one length-prefixed frame stream
// per envelope stream. QUIC's native multiplexing lets a session carry an
// independent stream per conversation.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/adriannoes/asap-protocol-sub002/pkg/transport"
)

const alpn = "asap/1"

type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

// New builds a QUIC transport with an ephemeral self-signed server
// certificate. Peer identity is established at the envelope layer, so the
// client side skips certificate verification.
func New() (*Transport, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &Transport{
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
			MinVersion:   tls.VersionTLS13,
		},
		quicConf: &quicgo.Config{MaxIdleTimeout: 2 * time.Minute},
	}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	return &listener{l: l}, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true, // identity is verified at the envelope layer
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	return &session{peer: peer, c: c}, nil
}

type listener struct {
	l *quicgo.Listener
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	c, err := l.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &session{
		peer: transport.PeerInfo{
			AgentID: transport.TempAddrID(transport.KindQUIC, c.RemoteAddr()),
			Addr:    c.RemoteAddr().String(),
		},
		c: c,
	}, nil
}

func (l *listener) Close() error { return l.l.Close() }

type session struct {
	pmu  sync.Mutex
	peer transport.PeerInfo
	c    quicgo.Connection
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

func (s *session) TransportKind() transport.Kind { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }

func (s *session) OpenStream(ctx context.Context) (transport.Stream, error) {
	qs, err := s.c.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{s: qs}, nil
}

func (s *session) AcceptStream(ctx context.Context) (transport.Stream, error) {
	qs, err := s.c.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{s: qs}, nil
}

func (s *session) Close() error {
	return s.c.CloseWithError(0, "closed")
}

type stream struct {
	mu sync.Mutex
	s  quicgo.Stream
}

func (st *stream) SendBytes(b []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return transport.WriteFrame(st.s, b)
}

func (st *stream) RecvBytes() ([]byte, error) {
	return transport.ReadFrame(st.s)
}

func (st *stream) Close() error { return st.s.Close() }

func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "asap-node"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	if len(der) == 0 {
		return tls.Certificate{}, errors.New("quic: empty certificate")
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
