package endpoint

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

// dedup records the outbound envelopes produced by each state-mutating
// envelope, keyed by correlation_id|payload_type. A duplicate delivery
// inside the TTL window replays the recorded envelopes without touching
// any state; after expiry the duplicate runs as new, which terminal
// closure renders harmless for task lifecycles.
type dedup struct {
	lru *expirable.LRU[string, []*protocol.Envelope]
}

func newDedup(max int, ttl time.Duration) *dedup {
	if max <= 0 {
		max = 4096
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &dedup{lru: expirable.NewLRU[string, []*protocol.Envelope](max, nil, ttl)}
}

func (d *dedup) get(key string) ([]*protocol.Envelope, bool) {
	return d.lru.Get(key)
}

func (d *dedup) put(key string, outs []*protocol.Envelope) {
	d.lru.Add(key, outs)
}

func (d *dedup) len() int { return d.lru.Len() }
