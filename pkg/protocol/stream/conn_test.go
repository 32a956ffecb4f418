package stream

import (
	"testing"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

// loopback queues sent frames for receiving.
type loopback struct {
	frames chan []byte
}

func (l *loopback) SendBytes(b []byte) error {
	l.frames <- append([]byte(nil), b...)
	return nil
}

func (l *loopback) RecvBytes() ([]byte, error) { return <-l.frames, nil }

func TestConnRoundTrip(t *testing.T) {
	for _, f := range []protocol.Format{protocol.FormatJSON, protocol.FormatCBOR} {
		c := New(&loopback{frames: make(chan []byte, 1)}, nil, f)
		env := protocol.New("agent-a", "agent-b", &protocol.TaskUpdate{TaskID: "t1", Progress: 0.5})
		if err := c.Send(env); err != nil {
			t.Fatalf("send (%v): %v", f, err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Fatalf("recv (%v): %v", f, err)
		}
		if got.CorrelationID != env.CorrelationID {
			t.Fatalf("correlation mismatch: %s != %s", got.CorrelationID, env.CorrelationID)
		}
		upd, ok := got.Payload.(*protocol.TaskUpdate)
		if !ok || upd.Progress != 0.5 {
			t.Fatalf("payload mismatch: %#v", got.Payload)
		}
	}
}

func TestConnDefaultsToJSON(t *testing.T) {
	c := New(&loopback{frames: make(chan []byte, 1)}, nil, protocol.FormatUnknown)
	if c.format != protocol.FormatJSON {
		t.Fatalf("expected JSON default, got %v", c.format)
	}
}
