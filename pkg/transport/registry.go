package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// Registry holds the configured transports keyed by kind and resolves
// dial/listen URLs of the form kind://address to the right binding.
type Registry struct {
	mu     sync.RWMutex
	byKind map[Kind]Transport
}

func NewRegistry() *Registry { return &Registry{byKind: make(map[Kind]Transport)} }

func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[t.Kind()] = t
}

func (r *Registry) Get(k Kind) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byKind[k]
	return t, ok
}

// Kinds lists the registered binding kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	return out
}

// Dial resolves rawURL (e.g. tcp://1.2.3.4:7070, mem://peer-b,
// ws://host:8080/asap) and dials through the matching transport.
func (r *Registry) Dial(ctx context.Context, rawURL string, peer PeerInfo) (Session, error) {
	t, addr, err := r.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	return t.Dial(ctx, addr, peer)
}

// Listen resolves rawURL and listens through the matching transport.
func (r *Registry) Listen(ctx context.Context, rawURL string) (Listener, error) {
	t, addr, err := r.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	return t.Listen(ctx, addr)
}

func (r *Registry) resolve(rawURL string) (Transport, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("transport: bad address %q: %w", rawURL, err)
	}
	kind := KindFromScheme(u.Scheme)
	t, ok := r.Get(kind)
	if !ok {
		return nil, "", fmt.Errorf("transport: no %q binding registered", u.Scheme)
	}
	return t, addressFor(kind, u), nil
}

// addressFor extracts the transport-specific address from a parsed URL.
func addressFor(kind Kind, u *url.URL) string {
	switch kind {
	case KindMem:
		if u.Host != "" {
			return u.Host
		}
		return u.Opaque
	case KindWS:
		// websocket dialing needs the full URL
		return u.String()
	default:
		return u.Host
	}
}
