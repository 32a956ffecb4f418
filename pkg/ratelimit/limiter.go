// Package ratelimit provides token-bucket admission keyed by sender and
// endpoint, consulted before dispatch.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

// Key identifies one admission bucket. Endpoint is optional; an empty
// endpoint shares one bucket across everything a sender does.
type Key struct {
	Sender   string
	Endpoint string
}

func (k Key) String() string {
	if k.Endpoint == "" {
		return k.Sender
	}
	return k.Sender + "#" + k.Endpoint
}

// Decision is the admission outcome. A denial names how long the caller
// should wait before retrying; it is surfaced explicitly, never dropped.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimitError is the error form of a denial.
type RateLimitError struct {
	Key        Key
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited %s: retry after %s", e.Key, e.RetryAfter)
}

func (e *RateLimitError) WireCode() protocol.ErrorCode { return protocol.CodeRateLimited }

// Options tunes the per-key buckets.
type Options struct {
	Rate    float64       // tokens per second (default 50)
	Burst   int           // bucket capacity (default Rate)
	IdleTTL time.Duration // drop buckets unseen for this long (default 10m)
}

func (o *Options) withDefaults() Options {
	res := *o
	if res.Rate <= 0 {
		res.Rate = 50
	}
	if res.Burst <= 0 {
		res.Burst = int(res.Rate)
	}
	if res.IdleTTL <= 0 {
		res.IdleTTL = 10 * time.Minute
	}
	return res
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key and prunes idle buckets lazily.
type Limiter struct {
	opts Options

	mu        sync.Mutex
	buckets   map[Key]*bucket
	lastPrune time.Time
	nowFn     func() time.Time
}

func New(opts Options) *Limiter {
	return &Limiter{
		opts:    opts.withDefaults(),
		buckets: make(map[Key]*bucket),
		nowFn:   time.Now,
	}
}

// Check takes one token from the key's bucket if available. It never
// blocks: an empty bucket yields a denial carrying the shortest wait that
// would have succeeded.
func (l *Limiter) Check(key Key) Decision {
	now := l.nowFn()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.opts.Rate), l.opts.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.pruneLocked(now)
	l.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return Decision{RetryAfter: time.Second}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

// Deny converts a denial into its error form.
func (l *Limiter) Deny(key Key, d Decision) error {
	return &RateLimitError{Key: key, RetryAfter: d.RetryAfter}
}

// pruneLocked drops buckets idle past IdleTTL, at most once per TTL window.
func (l *Limiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.opts.IdleTTL {
		return
	}
	l.lastPrune = now
	cutoff := now.Add(-l.opts.IdleTTL)
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
