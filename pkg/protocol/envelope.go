package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version stamped on every outbound envelope.
const Version = "1.0"

// Bounds for opaque agent ids on the wire.
const (
	MinAgentIDLen = 1
	MaxAgentIDLen = 128
)

const agentIDCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._:@/-"

// Envelope is the wire unit: exactly one payload plus routing and
// reliability metadata. CorrelationID ties a request to its responses and
// acks and doubles as the idempotency key.
type Envelope struct {
	ProtocolVersion string
	Sender          string
	Recipient       string
	CorrelationID   string
	TraceID         string
	PayloadType     PayloadType
	Payload         Payload
	RequiresAck     bool
	Extensions      map[string]json.RawMessage
	Timestamp       time.Time
	Nonce           string
}

// wireEnvelope is the fixed JSON shape. Unknown top-level keys are rejected
// on decode; extensions contents pass through opaquely.
type wireEnvelope struct {
	ProtocolVersion string                     `json:"protocol_version"`
	Sender          string                     `json:"sender"`
	Recipient       string                     `json:"recipient"`
	CorrelationID   string                     `json:"correlation_id"`
	TraceID         string                     `json:"trace_id,omitempty"`
	PayloadType     PayloadType                `json:"payload_type"`
	Payload         json.RawMessage            `json:"payload"`
	RequiresAck     bool                       `json:"requires_ack"`
	Extensions      map[string]json.RawMessage `json:"extensions,omitempty"`
	Timestamp       time.Time                  `json:"timestamp"`
	Nonce           string                     `json:"nonce,omitempty"`
}

// New builds an envelope around p with a fresh correlation id and timestamp.
// requires_ack is derived from the payload kind.
func New(sender, recipient string, p Payload) *Envelope {
	return &Envelope{
		ProtocolVersion: Version,
		Sender:          sender,
		Recipient:       recipient,
		CorrelationID:   uuid.NewString(),
		TraceID:         uuid.NewString(),
		PayloadType:     p.Kind(),
		Payload:         p,
		RequiresAck:     MutatesState(p.Kind()),
		Timestamp:       time.Now().UTC(),
	}
}

// Reply builds a response envelope within the same exchange: sender and
// recipient are swapped, correlation and trace ids are preserved.
func (e *Envelope) Reply(p Payload) *Envelope {
	return &Envelope{
		ProtocolVersion: Version,
		Sender:          e.Recipient,
		Recipient:       e.Sender,
		CorrelationID:   e.CorrelationID,
		TraceID:         e.TraceID,
		PayloadType:     p.Kind(),
		Payload:         p,
		Timestamp:       time.Now().UTC(),
	}
}

// Ack builds the MessageAck envelope for e.
func (e *Envelope) Ack(status AckStatus, detail string) *Envelope {
	return e.Reply(&MessageAck{
		OriginalEnvelopeID: e.CorrelationID,
		Status:             status,
		Detail:             detail,
	})
}

// wire converts to the fixed wire shape. The payload is pre-encoded so
// non-JSON codecs embed it as opaque JSON bytes.
func (e *Envelope) wire() (wireEnvelope, error) {
	if e.Payload == nil {
		return wireEnvelope{}, &ValidationError{Field: "payload", Reason: "missing payload"}
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return wireEnvelope{}, fmt.Errorf("encode payload: %w", err)
	}
	return wireEnvelope{
		ProtocolVersion: e.ProtocolVersion,
		Sender:          e.Sender,
		Recipient:       e.Recipient,
		CorrelationID:   e.CorrelationID,
		TraceID:         e.TraceID,
		PayloadType:     e.PayloadType,
		Payload:         raw,
		RequiresAck:     e.RequiresAck,
		Extensions:      e.Extensions,
		Timestamp:       e.Timestamp,
		Nonce:           e.Nonce,
	}, nil
}

// MarshalJSON emits the fixed wire shape.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	w, err := e.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire shape strictly: any unknown top-level key
// fails the decode. The payload is resolved against the closed union.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w wireEnvelope
	if err := dec.Decode(&w); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return e.fromWire(w)
}

// fromWire fills e from the wire shape, resolving the payload union.
func (e *Envelope) fromWire(w wireEnvelope) error {
	p, err := DecodePayload(w.PayloadType, w.Payload)
	if err != nil {
		return err
	}
	*e = Envelope{
		ProtocolVersion: w.ProtocolVersion,
		Sender:          w.Sender,
		Recipient:       w.Recipient,
		CorrelationID:   w.CorrelationID,
		TraceID:         w.TraceID,
		PayloadType:     w.PayloadType,
		Payload:         p,
		RequiresAck:     w.RequiresAck,
		Extensions:      w.Extensions,
		Timestamp:       w.Timestamp,
		Nonce:           w.Nonce,
	}
	return nil
}

// Validate checks the envelope against protocol invariants. It returns a
// *ValidationError naming the first offending field.
func (e *Envelope) Validate() error {
	if e.ProtocolVersion == "" {
		return &ValidationError{Field: "protocol_version", Reason: "missing"}
	}
	if err := checkAgentID("sender", e.Sender); err != nil {
		return err
	}
	if err := checkAgentID("recipient", e.Recipient); err != nil {
		return err
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return &ValidationError{Field: "correlation_id", Reason: "missing"}
	}
	if e.Payload == nil {
		return &ValidationError{Field: "payload", Reason: "missing payload"}
	}
	if e.Payload.Kind() != e.PayloadType {
		return &ValidationError{Field: "payload_type", Reason: "discriminator does not match payload"}
	}
	if ack, ok := e.Payload.(*MessageAck); ok {
		if strings.TrimSpace(ack.OriginalEnvelopeID) == "" {
			return &ValidationError{Field: "payload", Reason: "ack missing original_envelope_id"}
		}
		switch ack.Status {
		case AckOK, AckRejected:
		default:
			return &ValidationError{Field: "payload", Reason: fmt.Sprintf("unknown ack status %q", ack.Status)}
		}
	}
	return nil
}

// DedupKey is the idempotency key for duplicate-delivery detection:
// duplicates share a correlation id and payload type.
func (e *Envelope) DedupKey() string {
	return e.CorrelationID + "|" + string(e.PayloadType)
}

func checkAgentID(field, id string) error {
	if len(id) < MinAgentIDLen {
		return &ValidationError{Field: field, Reason: "missing"}
	}
	if len(id) > MaxAgentIDLen {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("longer than %d chars", MaxAgentIDLen)}
	}
	for i := 0; i < len(id); i++ {
		if !strings.ContainsRune(agentIDCharset, rune(id[i])) {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("illegal character %q", id[i])}
		}
	}
	return nil
}
