package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

const sigExtension = "sig_ed25519"

// signedBytes is the canonical byte string an envelope signature covers.
// Payload bytes are excluded: retried frames are byte-identical, so the
// stable header fields are enough to bind sender to envelope.
func signedBytes(env *protocol.Envelope) []byte {
	var b strings.Builder
	b.WriteString(env.Sender)
	b.WriteByte('|')
	b.WriteString(env.Recipient)
	b.WriteByte('|')
	b.WriteString(env.CorrelationID)
	b.WriteByte('|')
	b.WriteString(string(env.PayloadType))
	b.WriteByte('|')
	b.WriteString(env.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	return []byte(b.String())
}

// Sign attaches an ed25519 signature to env under the sig_ed25519
// extension key. Call it after the envelope is final.
func Sign(env *protocol.Envelope, priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, signedBytes(env))
	if env.Extensions == nil {
		env.Extensions = make(map[string]json.RawMessage, 1)
	}
	enc, _ := json.Marshal(base64.RawURLEncoding.EncodeToString(sig))
	env.Extensions[sigExtension] = enc
}

// Ed25519 authenticates envelopes against a fixed agent-id -> public key
// directory using the sig_ed25519 extension.
type Ed25519 struct {
	keys map[string]ed25519.PublicKey
}

func NewEd25519(keys map[string]ed25519.PublicKey) *Ed25519 {
	cp := make(map[string]ed25519.PublicKey, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return &Ed25519{keys: cp}
}

func (a *Ed25519) Authenticate(_ context.Context, env *protocol.Envelope) (Identity, error) {
	pub, ok := a.keys[env.Sender]
	if !ok {
		return Identity{}, &Error{AgentID: env.Sender, Reason: "unknown agent"}
	}
	raw, ok := env.Extensions[sigExtension]
	if !ok {
		return Identity{}, &Error{AgentID: env.Sender, Reason: "missing signature"}
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return Identity{}, &Error{AgentID: env.Sender, Reason: "malformed signature"}
	}
	sig, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Identity{}, &Error{AgentID: env.Sender, Reason: "malformed signature"}
	}
	if !ed25519.Verify(pub, signedBytes(env), sig) {
		return Identity{}, &Error{AgentID: env.Sender, Reason: "bad signature"}
	}
	return Identity{AgentID: env.Sender}, nil
}

// LoadOrGenKey loads a base64 (raw URL encoding) ed25519 private key from
// path, or generates a fresh one when path is empty or unreadable.
func LoadOrGenKey(path string) (ed25519.PrivateKey, error) {
	if p := strings.TrimSpace(path); p != "" {
		if b, err := os.ReadFile(p); err == nil {
			txt := strings.TrimSpace(string(b))
			if db, err := base64.RawURLEncoding.DecodeString(txt); err == nil && len(db) == ed25519.PrivateKeySize {
				return ed25519.PrivateKey(db), nil
			}
			zap.L().Warn("key file not decodable, generating fresh key", zap.String("path", p))
		} else {
			zap.L().Warn("key file unreadable, generating fresh key",
				zap.String("path", p), zap.Error(err))
		}
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	zap.L().Info("generated ed25519 identity",
		zap.String("pub_b64", base64.RawURLEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))))
	return priv, nil
}
