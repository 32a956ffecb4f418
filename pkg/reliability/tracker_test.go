package reliability

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

type captureSend struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureSend) fn(recipient string, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *captureSend) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func reqEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	return protocol.New("agent-a", "agent-b", &protocol.TaskRequest{TaskID: "t1", Skill: "echo"})
}

func TestAckRoundTrip(t *testing.T) {
	cs := &captureSend{}
	tr := NewTracker(Options{AckDeadline: time.Second}, cs.fn, nil)
	defer tr.Close()

	env := reqEnvelope(t)
	res, err := tr.Send(env, []byte("frame"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, tr.Pending())
	assert.Equal(t, 1, tr.PendingFor("agent-b"))

	ack := &protocol.MessageAck{OriginalEnvelopeID: env.CorrelationID, Status: protocol.AckOK}
	require.True(t, tr.Resolve("agent-b", ack))

	select {
	case err := <-res:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("result not delivered")
	}
	assert.Equal(t, 0, tr.Pending(), "pending table must be empty after ack")

	// a duplicate ack resolves nothing
	assert.False(t, tr.Resolve("agent-b", ack))
}

func TestInformationalKindsUntracked(t *testing.T) {
	cs := &captureSend{}
	tr := NewTracker(Options{}, cs.fn, nil)
	defer tr.Close()

	env := protocol.New("agent-a", "agent-b", &protocol.TaskUpdate{TaskID: "t1", Progress: 0.3})
	require.False(t, env.RequiresAck)

	res, err := tr.Send(env, []byte("frame"))
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 0, tr.Pending())
	assert.Equal(t, 1, cs.count())
}

func TestRetryResendsByteIdenticalFrames(t *testing.T) {
	cs := &captureSend{}
	tr := NewTracker(Options{
		AckDeadline:    5 * time.Millisecond,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		MaxAttempts:    3,
	}, cs.fn, nil)
	defer tr.Close()

	env := reqEnvelope(t)
	frame := []byte("the exact frame bytes")
	res, err := tr.Send(env, frame)
	require.NoError(t, err)

	select {
	case err := <-res:
		var dfe *DeliveryFailureError
		require.ErrorAs(t, err, &dfe)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery failure not surfaced")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.Len(t, cs.frames, 3, "one initial send plus two retries")
	for i, f := range cs.frames {
		if !bytes.Equal(f, frame) {
			t.Fatalf("frame %d differs from original", i)
		}
	}
}

func TestRetryCeilingSurfacesExactlyOneFailure(t *testing.T) {
	cs := &captureSend{}
	tr := NewTracker(Options{
		AckDeadline:    2 * time.Millisecond,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
		MaxAttempts:    4,
	}, cs.fn, nil)
	defer tr.Close()

	env := reqEnvelope(t)
	res, err := tr.Send(env, []byte("f"))
	require.NoError(t, err)

	var dfe *DeliveryFailureError
	select {
	case err := <-res:
		require.ErrorAs(t, err, &dfe)
	case <-time.After(2 * time.Second):
		t.Fatal("no failure surfaced")
	}
	assert.Equal(t, "agent-b", dfe.Recipient)
	assert.Equal(t, env.CorrelationID, dfe.CorrelationID)
	assert.Equal(t, 4, dfe.Attempts)
	assert.Equal(t, 0, tr.Pending())
	assert.Equal(t, protocol.CodeDeliveryFailed, protocol.ErrorCodeFor(dfe))

	// no second failure and no further sends
	sends := cs.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sends, cs.count())
	select {
	case err := <-res:
		t.Fatalf("second result delivered: %v", err)
	default:
	}
}

func TestRejectedAck(t *testing.T) {
	cs := &captureSend{}
	tr := NewTracker(Options{AckDeadline: time.Second}, cs.fn, nil)
	defer tr.Close()

	env := reqEnvelope(t)
	res, err := tr.Send(env, []byte("f"))
	require.NoError(t, err)

	tr.Resolve("agent-b", &protocol.MessageAck{
		OriginalEnvelopeID: env.CorrelationID,
		Status:             protocol.AckRejected,
		Detail:             "rate_limited",
	})

	select {
	case err := <-res:
		var rae *RejectedAckError
		require.ErrorAs(t, err, &rae)
		assert.Equal(t, "rate_limited", rae.Detail)
	case <-time.After(time.Second):
		t.Fatal("rejection not delivered")
	}
}

func TestBreakerTripsAfterRepeatedDeliveryFailure(t *testing.T) {
	cs := &captureSend{}
	tr := NewTracker(Options{
		AckDeadline:    time.Millisecond,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
		MaxAttempts:    1,
		Breaker:        BreakerOptions{Threshold: 2, Cooldown: time.Hour},
	}, cs.fn, nil)
	defer tr.Close()

	for i := 0; i < 2; i++ {
		env := reqEnvelope(t)
		res, err := tr.Send(env, []byte("f"))
		require.NoError(t, err)
		select {
		case <-res:
		case <-time.After(time.Second):
			t.Fatal("failure not surfaced")
		}
	}

	// breaker open: fail fast, nothing transmitted
	sends := cs.count()
	_, err := tr.Send(reqEnvelope(t), []byte("f"))
	var coe *CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "agent-b", coe.Recipient)
	assert.Greater(t, coe.RetryAfter, time.Duration(0))
	assert.Equal(t, sends, cs.count())
	assert.Equal(t, protocol.CodeCircuitOpen, protocol.ErrorCodeFor(err))

	// other recipients unaffected
	other := protocol.New("agent-a", "agent-c", &protocol.TaskRequest{TaskID: "t2", Skill: "echo"})
	res, err := tr.Send(other, []byte("f"))
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestDuplicateCorrelationRejected(t *testing.T) {
	cs := &captureSend{}
	tr := NewTracker(Options{AckDeadline: time.Second}, cs.fn, nil)
	defer tr.Close()

	env := reqEnvelope(t)
	_, err := tr.Send(env, []byte("f"))
	require.NoError(t, err)
	_, err = tr.Send(env, []byte("f"))
	require.Error(t, err)
}
