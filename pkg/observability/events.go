package observability

import (
	"sync/atomic"
	"time"
)

// EventType names a structured core event.
type EventType string

const (
	EventDispatchStart   EventType = "dispatch.start"
	EventDispatchEnd     EventType = "dispatch.end"
	EventStateTransition EventType = "task.transition"
	EventAckSent         EventType = "ack.sent"
	EventAckReceived     EventType = "ack.received"
	EventRateLimit       EventType = "ratelimit.decision"
	EventRetryAttempt    EventType = "retry.attempt"
	EventDeliveryFailed  EventType = "delivery.failed"
	EventBreakerOpen     EventType = "breaker.open"
	EventBreakerClose    EventType = "breaker.close"
)

// Event is one structured observation emitted by the core.
type Event struct {
	Type   EventType
	At     time.Time
	Fields map[string]string
}

// Sink consumes core events. Implementations must not block: the core
// calls Emit on its hot path.
type Sink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Nop returns a sink discarding everything.
func Nop() Sink { return nopSink{} }

// Buffer is a bounded, non-blocking sink. When the buffer is full the
// event is dropped and counted; the core is never stalled by a slow
// collector.
type Buffer struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewBuffer returns a Buffer holding up to size events (default 1024).
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1024
	}
	return &Buffer{ch: make(chan Event, size)}
}

// Emit enqueues ev without blocking.
func (b *Buffer) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Events is the drain side for an external collector.
func (b *Buffer) Events() <-chan Event { return b.ch }

// Dropped reports how many events overflowed the buffer.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

// E is a convenience constructor for an event with string fields.
func E(t EventType, kv ...string) Event {
	ev := Event{Type: t, At: time.Now()}
	if len(kv) > 0 {
		ev.Fields = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			ev.Fields[kv[i]] = kv[i+1]
		}
	}
	return ev
}
