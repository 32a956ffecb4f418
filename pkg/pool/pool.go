// Package pool manages reusable outbound sessions and cached remote
// agent manifests for the client side of a conversation.
package pool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/adriannoes/asap-protocol-sub002/pkg/transport"
)

var ErrClosed = errors.New("pool: closed")

// Dialer opens a new session to dest (a transport URL).
type Dialer func(ctx context.Context, dest string) (transport.Session, error)

// Options bounds the pool. MaxConns caps open sessions across all
// destinations; PerDest caps them per destination.
type Options struct {
	MaxConns int // default 64
	PerDest  int // default 4
}

func (o *Options) withDefaults() Options {
	res := *o
	if res.MaxConns <= 0 {
		res.MaxConns = 64
	}
	if res.PerDest <= 0 {
		res.PerDest = 4
	}
	return res
}

// Pool hands out sessions under a global and a per-destination bound.
// Get blocks on a free slot or ctx; Put returns the session for reuse or
// closes it.
type Pool struct {
	opts   Options
	dial   Dialer
	global chan struct{}

	mu      sync.Mutex
	dests   map[string]*destState
	closed  bool
	closeCh chan struct{}
}

type destState struct {
	permits chan struct{}
	mu      sync.Mutex
	idle    []transport.Session
}

func New(opts Options, dial Dialer) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		opts:    opts,
		dial:    dial,
		global:  make(chan struct{}, opts.MaxConns),
		dests:   make(map[string]*destState),
		closeCh: make(chan struct{}),
	}
}

func (p *Pool) destFor(dest string) (*destState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	d := p.dests[dest]
	if d == nil {
		d = &destState{permits: make(chan struct{}, p.opts.PerDest)}
		p.dests[dest] = d
	}
	return d, nil
}

// Get returns a session to dest, reusing an idle one when available. It
// blocks until a slot frees up, ctx is done, or the pool closes.
func (p *Pool) Get(ctx context.Context, dest string) (transport.Session, error) {
	d, err := p.destFor(dest)
	if err != nil {
		return nil, err
	}

	select {
	case p.global <- struct{}{}:
	case <-p.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case d.permits <- struct{}{}:
	case <-p.closeCh:
		<-p.global
		return nil, ErrClosed
	case <-ctx.Done():
		<-p.global
		return nil, ctx.Err()
	}

	d.mu.Lock()
	if n := len(d.idle); n > 0 {
		s := d.idle[n-1]
		d.idle = d.idle[:n-1]
		d.mu.Unlock()
		return s, nil
	}
	d.mu.Unlock()

	s, err := p.dial(ctx, dest)
	if err != nil {
		<-d.permits
		<-p.global
		return nil, err
	}
	zap.L().Debug("session dialed", zap.String("dest", dest))
	return s, nil
}

// Put returns a session obtained from Get. Unhealthy sessions are closed
// instead of reused.
func (p *Pool) Put(dest string, s transport.Session, healthy bool) {
	p.mu.Lock()
	d := p.dests[dest]
	closed := p.closed
	p.mu.Unlock()
	if d == nil {
		// never handed out by this pool
		_ = s.Close()
		return
	}
	if healthy && !closed {
		d.mu.Lock()
		d.idle = append(d.idle, s)
		d.mu.Unlock()
	} else {
		_ = s.Close()
	}
	<-d.permits
	<-p.global
}

// InUse reports checked-out sessions across all destinations.
func (p *Pool) InUse() int { return len(p.global) }

// Close closes idle sessions and fails pending and future Gets.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	dests := p.dests
	p.mu.Unlock()
	close(p.closeCh)
	for _, d := range dests {
		d.mu.Lock()
		for _, s := range d.idle {
			_ = s.Close()
		}
		d.idle = nil
		d.mu.Unlock()
	}
}
