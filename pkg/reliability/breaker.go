package reliability

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adriannoes/asap-protocol-sub002/pkg/observability"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

// CircuitOpenError fails a send fast while a recipient's breaker is open.
// No delivery attempt is made.
type CircuitOpenError struct {
	Recipient  string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s: retry after %s", e.Recipient, e.RetryAfter)
}

func (e *CircuitOpenError) WireCode() protocol.ErrorCode { return protocol.CodeCircuitOpen }

// BreakerOptions tunes the per-recipient circuit breaker.
type BreakerOptions struct {
	Threshold int           // consecutive delivery failures before opening (default 3)
	Cooldown  time.Duration // how long an open breaker rejects sends (default 1m)
}

func (o *BreakerOptions) withDefaults() BreakerOptions {
	res := *o
	if res.Threshold <= 0 {
		res.Threshold = 3
	}
	if res.Cooldown <= 0 {
		res.Cooldown = time.Minute
	}
	return res
}

type breakerEntry struct {
	failures  int
	openUntil time.Time
}

// Breaker counts consecutive delivery failures per recipient and, once the
// threshold is reached, fails further sends fast until the cooldown passes.
// A successful ack closes the circuit and clears the count.
type Breaker struct {
	opts  BreakerOptions
	sink  observability.Sink
	mu    sync.Mutex
	byDst map[string]*breakerEntry
	nowFn func() time.Time
}

func NewBreaker(opts BreakerOptions, sink observability.Sink) *Breaker {
	if sink == nil {
		sink = observability.Nop()
	}
	return &Breaker{
		opts:  opts.withDefaults(),
		sink:  sink,
		byDst: make(map[string]*breakerEntry),
		nowFn: time.Now,
	}
}

// Allow returns nil when sends to recipient may proceed, or a
// *CircuitOpenError naming the remaining cooldown.
func (b *Breaker) Allow(recipient string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.byDst[recipient]
	if e == nil || e.openUntil.IsZero() {
		return nil
	}
	now := b.nowFn()
	if now.Before(e.openUntil) {
		return &CircuitOpenError{Recipient: recipient, RetryAfter: e.openUntil.Sub(now)}
	}
	// cooldown elapsed: half-open, next failure re-opens immediately
	e.openUntil = time.Time{}
	e.failures = b.opts.Threshold - 1
	return nil
}

// RecordFailure counts one delivery failure and opens the circuit at the
// threshold.
func (b *Breaker) RecordFailure(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.byDst[recipient]
	if e == nil {
		e = &breakerEntry{}
		b.byDst[recipient] = e
	}
	e.failures++
	if e.failures >= b.opts.Threshold && e.openUntil.IsZero() {
		e.openUntil = b.nowFn().Add(b.opts.Cooldown)
		zap.L().Warn("circuit opened",
			zap.String("recipient", recipient),
			zap.Int("failures", e.failures),
			zap.Duration("cooldown", b.opts.Cooldown))
		b.sink.Emit(observability.E(observability.EventBreakerOpen, "recipient", recipient))
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.byDst[recipient]
	if e == nil {
		return
	}
	wasOpen := !e.openUntil.IsZero()
	delete(b.byDst, recipient)
	if wasOpen {
		zap.L().Info("circuit closed", zap.String("recipient", recipient))
		b.sink.Emit(observability.E(observability.EventBreakerClose, "recipient", recipient))
	}
}
