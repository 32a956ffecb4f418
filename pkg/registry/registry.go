// Package registry maps skills and tool names to handler callables.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

// Handler executes one inbound envelope's work and returns the raw result.
// Cancellation is cooperative: handlers observe ctx and may still return
// normally after a cancel has been requested.
type Handler func(ctx context.Context, env *protocol.Envelope) (json.RawMessage, error)

// HandlerNotFoundError rejects dispatch for an unregistered key. It maps to
// the stable wire code handler_not_found.
type HandlerNotFoundError struct {
	Key string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for %q", e.Key)
}

func (e *HandlerNotFoundError) WireCode() protocol.ErrorCode {
	return protocol.CodeHandlerNotFound
}

// Registry is the only mutable shared state on the dispatch path. The map
// is locked for registration and lookup only; invocation happens outside
// the lock so unrelated executions never serialize and a concurrent
// re-register cannot half-apply.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds key to h, replacing any previous binding.
func (r *Registry) Register(key string, h Handler) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("registry: empty key")
	}
	if h == nil {
		return fmt.Errorf("registry: nil handler for %q", key)
	}
	r.mu.Lock()
	_, replaced := r.handlers[key]
	r.handlers[key] = h
	r.mu.Unlock()
	zap.L().Debug("handler registered", zap.String("key", key), zap.Bool("replaced", replaced))
	return nil
}

// Unregister removes the binding for key, if any.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	delete(r.handlers, key)
	r.mu.Unlock()
	zap.L().Debug("handler unregistered", zap.String("key", key))
}

// Lookup snapshots the handler bound to key.
func (r *Registry) Lookup(key string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &HandlerNotFoundError{Key: key}
	}
	return h, nil
}

// Dispatch invokes the handler bound to key. The reference is snapshotted
// under the lock, the call runs without it.
func (r *Registry) Dispatch(ctx context.Context, key string, env *protocol.Envelope) (json.RawMessage, error) {
	h, err := r.Lookup(key)
	if err != nil {
		return nil, err
	}
	return h(ctx, env)
}

// Keys returns the registered keys, for introspection.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
