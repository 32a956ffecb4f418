// Package auth defines the authentication boundary. The endpoint calls
// the configured Authenticator on every inbound envelope before rate
// limiting and dispatch; the core imposes no mechanism.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

// Identity is the authenticated principal behind an envelope.
type Identity struct {
	AgentID string
	// Claims carries mechanism-specific attributes (scopes, tenant, key id).
	Claims map[string]string
}

// Error reports a failed authentication. It never reveals mechanism
// internals to the wire.
type Error struct {
	AgentID string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("authentication failed for %q: %s", e.AgentID, e.Reason)
}

func (e *Error) WireCode() protocol.ErrorCode { return protocol.CodeAuthFailed }

// Authenticator verifies that an envelope's sender is who it claims.
type Authenticator interface {
	Authenticate(ctx context.Context, env *protocol.Envelope) (Identity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, env *protocol.Envelope) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, env *protocol.Envelope) (Identity, error) {
	return f(ctx, env)
}

// Allow is the permissive default: every envelope authenticates as its
// declared sender. Intended for tests and closed deployments.
func Allow() Authenticator {
	return AuthenticatorFunc(func(_ context.Context, env *protocol.Envelope) (Identity, error) {
		return Identity{AgentID: env.Sender}, nil
	})
}

// Deny rejects every envelope with the given reason. Useful as a safe
// default while wiring a real mechanism.
func Deny(reason string) Authenticator {
	return AuthenticatorFunc(func(_ context.Context, env *protocol.Envelope) (Identity, error) {
		return Identity{}, &Error{AgentID: env.Sender, Reason: reason}
	})
}

// Static authenticates senders against a fixed agent-id -> token table.
// The token is read from the envelope extension key "auth_token".
type Static struct {
	tokens map[string]string
}

func NewStatic(tokens map[string]string) *Static {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &Static{tokens: cp}
}

func (s *Static) Authenticate(_ context.Context, env *protocol.Envelope) (Identity, error) {
	want, ok := s.tokens[env.Sender]
	if !ok {
		return Identity{}, &Error{AgentID: env.Sender, Reason: "unknown agent"}
	}
	var got string
	if raw, ok := env.Extensions["auth_token"]; ok {
		_ = json.Unmarshal(raw, &got)
	}
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return Identity{}, &Error{AgentID: env.Sender, Reason: "bad token"}
	}
	return Identity{AgentID: env.Sender}, nil
}
