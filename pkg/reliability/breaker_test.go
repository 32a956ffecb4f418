package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(BreakerOptions{Threshold: 3, Cooldown: time.Minute}, nil)

	b.RecordFailure("b")
	b.RecordFailure("b")
	require.NoError(t, b.Allow("b"), "below threshold the circuit stays closed")

	b.RecordFailure("b")
	var coe *CircuitOpenError
	require.ErrorAs(t, b.Allow("b"), &coe)
	assert.Equal(t, "b", coe.Recipient)

	// independent per recipient
	require.NoError(t, b.Allow("c"))
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker(BreakerOptions{Threshold: 2, Cooldown: time.Minute}, nil)
	now := time.Now()
	b.nowFn = func() time.Time { return now }

	b.RecordFailure("b")
	b.RecordFailure("b")
	require.Error(t, b.Allow("b"))

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow("b"), "cooldown elapsed, one probe allowed")

	// a single failure in half-open re-opens immediately
	b.RecordFailure("b")
	require.Error(t, b.Allow("b"))
}

func TestBreakerSuccessCloses(t *testing.T) {
	b := NewBreaker(BreakerOptions{Threshold: 2, Cooldown: time.Minute}, nil)
	now := time.Now()
	b.nowFn = func() time.Time { return now }

	b.RecordFailure("b")
	b.RecordFailure("b")
	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow("b"))

	b.RecordSuccess("b")
	require.NoError(t, b.Allow("b"))
	// count is fully reset
	b.RecordFailure("b")
	require.NoError(t, b.Allow("b"))
}
