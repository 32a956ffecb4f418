// Package reliability implements the acknowledgment protocol that makes
// state-mutating payloads reliable over a fire-and-forget async transport.
package reliability

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adriannoes/asap-protocol-sub002/pkg/observability"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

// DeliveryFailureError is surfaced exactly once when the retry ceiling is
// exceeded without an acknowledgment.
type DeliveryFailureError struct {
	Recipient     string
	CorrelationID string
	Attempts      int
}

func (e *DeliveryFailureError) Error() string {
	return fmt.Sprintf("delivery to %s failed after %d attempts (correlation %s)",
		e.Recipient, e.Attempts, e.CorrelationID)
}

func (e *DeliveryFailureError) WireCode() protocol.ErrorCode { return protocol.CodeDeliveryFailed }

// RejectedAckError reports a negative acknowledgment: the envelope arrived
// but the recipient refused it.
type RejectedAckError struct {
	CorrelationID string
	Detail        string
}

func (e *RejectedAckError) Error() string {
	if e.Detail == "" {
		return "recipient rejected envelope " + e.CorrelationID
	}
	return fmt.Sprintf("recipient rejected envelope %s: %s", e.CorrelationID, e.Detail)
}

// SendFunc transmits one encoded frame to a recipient. It is fire and
// forget: a nil return only means the frame was handed to the transport.
type SendFunc func(recipient string, frame []byte) error

// Options tunes the ack tracker.
type Options struct {
	AckDeadline    time.Duration // wait per attempt before retrying (default 30s)
	BackoffInitial time.Duration // first retry delay (default 500ms)
	BackoffMax     time.Duration // retry delay ceiling (default 30s)
	BackoffJitter  time.Duration // random jitter added per retry (default 100ms)
	MaxAttempts    int           // total transmissions before giving up (default 5)
	Shards         int           // pending table shards (default 32)
	Breaker        BreakerOptions
}

func (o *Options) withDefaults() Options {
	res := *o
	if res.AckDeadline <= 0 {
		res.AckDeadline = 30 * time.Second
	}
	if res.BackoffInitial <= 0 {
		res.BackoffInitial = 500 * time.Millisecond
	}
	if res.BackoffMax <= 0 {
		res.BackoffMax = 30 * time.Second
	}
	if res.BackoffJitter < 0 {
		res.BackoffJitter = 0
	}
	if res.MaxAttempts <= 0 {
		res.MaxAttempts = 5
	}
	if res.Shards <= 0 {
		res.Shards = 32
	}
	return res
}

// pending is one tracked envelope. Retries resend the recorded frame
// byte-identical, so the receiver's idempotency makes duplicates harmless.
type pending struct {
	correlationID string
	recipient     string
	frame         []byte
	attempts      int
	timer         *time.Timer
	result        chan error
	done          bool
}

type trackShard struct {
	mu sync.Mutex
	m  map[string]*pending
}

// Tracker is the sender side of the ack protocol: an explicit
// pending/retrying/failed state machine driven by timers. The pending
// table is sharded by recipient so one slow recipient cannot serialize
// unrelated acknowledgments.
type Tracker struct {
	opts    Options
	send    SendFunc
	breaker *Breaker
	sink    observability.Sink
	shards  []trackShard
	closeCh chan struct{}
	closed  sync.Once
}

func NewTracker(opts Options, send SendFunc, sink observability.Sink) *Tracker {
	opts = opts.withDefaults()
	if sink == nil {
		sink = observability.Nop()
	}
	t := &Tracker{
		opts:    opts,
		send:    send,
		breaker: NewBreaker(opts.Breaker, sink),
		sink:    sink,
		shards:  make([]trackShard, opts.Shards),
		closeCh: make(chan struct{}),
	}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*pending)
	}
	return t
}

func (t *Tracker) shardFor(recipient string) *trackShard {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(recipient); i++ {
		h ^= uint64(recipient[i])
		h *= 1099511628211
	}
	return &t.shards[int(h%uint64(len(t.shards)))]
}

// Breaker exposes the per-recipient circuit breaker.
func (t *Tracker) Breaker() *Breaker { return t.breaker }

// Send transmits frame to env's recipient. Envelopes without requires_ack
// are fire-and-forget: the returned channel is nil. Envelopes with
// requires_ack are tracked until a matching ack arrives or the retry
// ceiling is exceeded; the outcome is delivered exactly once on the
// returned channel (nil, *RejectedAckError or *DeliveryFailureError).
func (t *Tracker) Send(env *protocol.Envelope, frame []byte) (<-chan error, error) {
	if err := t.breaker.Allow(env.Recipient); err != nil {
		return nil, err
	}
	if !env.RequiresAck {
		return nil, t.send(env.Recipient, frame)
	}

	p := &pending{
		correlationID: env.CorrelationID,
		recipient:     env.Recipient,
		frame:         frame,
		attempts:      1,
		result:        make(chan error, 1),
	}

	sh := t.shardFor(env.Recipient)
	sh.mu.Lock()
	if _, dup := sh.m[env.CorrelationID]; dup {
		sh.mu.Unlock()
		return nil, fmt.Errorf("correlation %s already pending", env.CorrelationID)
	}
	sh.m[env.CorrelationID] = p
	sh.mu.Unlock()

	if err := t.send(env.Recipient, frame); err != nil {
		// transport refused outright; keep the entry, the timer path retries
		zap.L().Debug("initial send failed, will retry",
			zap.String("correlation", p.correlationID), zap.Error(err))
	}
	t.arm(sh, p, t.opts.AckDeadline)
	return p.result, nil
}

// Resolve matches an inbound MessageAck against the pending table. It
// returns true when an entry was resolved; duplicate or unmatched acks
// return false.
func (t *Tracker) Resolve(from string, ack *protocol.MessageAck) bool {
	sh := t.shardFor(from)
	sh.mu.Lock()
	p, ok := sh.m[ack.OriginalEnvelopeID]
	if !ok || p.done {
		sh.mu.Unlock()
		return false
	}
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(sh.m, ack.OriginalEnvelopeID)
	sh.mu.Unlock()

	t.breaker.RecordSuccess(from)
	t.sink.Emit(observability.E(observability.EventAckReceived,
		"recipient", from,
		"correlation", ack.OriginalEnvelopeID,
		"status", string(ack.Status)))
	if ack.Status == protocol.AckRejected {
		p.result <- &RejectedAckError{CorrelationID: ack.OriginalEnvelopeID, Detail: ack.Detail}
	} else {
		p.result <- nil
	}
	return true
}

// arm schedules the next deadline check for p.
func (t *Tracker) arm(sh *trackShard, p *pending, wait time.Duration) {
	p.timer = time.AfterFunc(wait, func() { t.deadline(sh, p) })
}

// deadline fires when an attempt's ack deadline elapses: retry with
// backoff or fail the entry at the ceiling.
func (t *Tracker) deadline(sh *trackShard, p *pending) {
	select {
	case <-t.closeCh:
		return
	default:
	}

	sh.mu.Lock()
	if p.done {
		sh.mu.Unlock()
		return
	}
	if p.attempts >= t.opts.MaxAttempts {
		p.done = true
		delete(sh.m, p.correlationID)
		attempts := p.attempts
		sh.mu.Unlock()

		t.breaker.RecordFailure(p.recipient)
		t.sink.Emit(observability.E(observability.EventDeliveryFailed,
			"recipient", p.recipient, "correlation", p.correlationID))
		zap.L().Warn("delivery failed",
			zap.String("recipient", p.recipient),
			zap.String("correlation", p.correlationID),
			zap.Int("attempts", attempts))
		p.result <- &DeliveryFailureError{
			Recipient:     p.recipient,
			CorrelationID: p.correlationID,
			Attempts:      attempts,
		}
		return
	}
	p.attempts++
	attempt := p.attempts
	sh.mu.Unlock()

	t.sink.Emit(observability.E(observability.EventRetryAttempt,
		"recipient", p.recipient,
		"correlation", p.correlationID,
		"attempt", strconv.Itoa(attempt)))
	if err := t.send(p.recipient, p.frame); err != nil {
		zap.L().Debug("retry send failed",
			zap.String("correlation", p.correlationID), zap.Error(err))
	}
	t.arm(sh, p, t.opts.AckDeadline+t.backoff(attempt))
}

// backoff returns the extra delay before the next retry: exponential on
// the attempt number, capped, plus jitter.
func (t *Tracker) backoff(attempt int) time.Duration {
	d := t.opts.BackoffInitial
	for i := 2; i < attempt && d < t.opts.BackoffMax; i++ {
		d *= 2
	}
	if d > t.opts.BackoffMax {
		d = t.opts.BackoffMax
	}
	if t.opts.BackoffJitter > 0 {
		d += time.Duration(rand.Int63n(int64(t.opts.BackoffJitter)))
	}
	return d
}

// Pending reports the number of tracked envelopes, for inspection.
func (t *Tracker) Pending() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.Lock()
		n += len(t.shards[i].m)
		t.shards[i].mu.Unlock()
	}
	return n
}

// PendingFor reports the tracked envelopes addressed to recipient.
func (t *Tracker) PendingFor(recipient string) int {
	sh := t.shardFor(recipient)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := 0
	for _, p := range sh.m {
		if p.recipient == recipient {
			n++
		}
	}
	return n
}

// Close stops retry timers. In-flight result channels never fire after
// Close.
func (t *Tracker) Close() {
	t.closed.Do(func() {
		close(t.closeCh)
		for i := range t.shards {
			sh := &t.shards[i]
			sh.mu.Lock()
			for id, p := range sh.m {
				if p.timer != nil {
					p.timer.Stop()
				}
				p.done = true
				delete(sh.m, id)
			}
			sh.mu.Unlock()
		}
	})
}
