package observability

import "testing"

func TestBufferNeverBlocks(t *testing.T) {
	b := NewBuffer(2)
	for i := 0; i < 10; i++ {
		b.Emit(E(EventRetryAttempt, "recipient", "agent-b"))
	}
	if b.Dropped() != 8 {
		t.Fatalf("dropped: %d", b.Dropped())
	}
	ev := <-b.Events()
	if ev.Type != EventRetryAttempt || ev.Fields["recipient"] != "agent-b" {
		t.Fatalf("event: %+v", ev)
	}
	if ev.At.IsZero() {
		t.Fatalf("timestamp not stamped")
	}
}

func TestNopSink(t *testing.T) {
	// must simply not panic
	Nop().Emit(E(EventAckSent))
}
