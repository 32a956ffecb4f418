package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adriannoes/asap-protocol-sub002/pkg/endpoint"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol/codec"
	"github.com/adriannoes/asap-protocol-sub002/pkg/registry"
	"github.com/adriannoes/asap-protocol-sub002/pkg/reliability"
	"github.com/adriannoes/asap-protocol-sub002/pkg/task"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/mem"
)

func startEchoNode(t *testing.T, tr *mem.Transport, name string) context.CancelFunc {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register("echo", func(_ context.Context, env *protocol.Envelope) (json.RawMessage, error) {
		return env.Payload.(*protocol.TaskRequest).Input, nil
	}))
	e, err := endpoint.New(endpoint.Options{AgentID: name, Registry: reg})
	require.NoError(t, err)
	t.Cleanup(e.Tasks().Close)

	ctx, cancel := context.WithCancel(context.Background())
	l, err := tr.Listen(ctx, name)
	require.NoError(t, err)
	go func() { _ = e.ServeAsyncListener(ctx, l) }()
	return cancel
}

func TestAsyncExchangeTracksAckAndReturnsResponse(t *testing.T) {
	tr := mem.New()
	stop := startEchoNode(t, tr, "agent-b")
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := tr.Dial(ctx, "agent-b", transport.PeerInfo{AgentID: "agent-b"})
	require.NoError(t, err)
	defer sess.Close()
	st, err := sess.OpenStream(ctx)
	require.NoError(t, err)

	env := protocol.New("asap-send", "agent-b", &protocol.TaskRequest{
		TaskID: "t1", Skill: "echo", Input: json.RawMessage(`"hi"`),
	})
	require.True(t, env.RequiresAck)

	reply, err := asyncExchange(ctx, codec.NewRegistry(), st, protocol.FormatJSON, env, reliability.Options{})
	require.NoError(t, err)
	resp, ok := reply.Payload.(*protocol.TaskResponse)
	require.True(t, ok)
	assert.Equal(t, "t1", resp.TaskID)
	assert.Equal(t, task.StateCompleted, task.State(resp.FinalState))
	assert.JSONEq(t, `"hi"`, string(resp.Output))
}

func TestAsyncExchangeSurfacesDeliveryFailure(t *testing.T) {
	tr := mem.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := tr.Listen(ctx, "dead")
	require.NoError(t, err)
	go func() {
		sess, err := l.Accept(ctx)
		if err != nil {
			return
		}
		st, err := sess.AcceptStream(ctx)
		if err != nil {
			return
		}
		// drain every retransmission, never ack
		for {
			if _, err := st.RecvBytes(); err != nil {
				return
			}
		}
	}()

	sess, err := tr.Dial(ctx, "dead", transport.PeerInfo{AgentID: "dead"})
	require.NoError(t, err)
	defer sess.Close()
	st, err := sess.OpenStream(ctx)
	require.NoError(t, err)

	env := protocol.New("asap-send", "dead", &protocol.TaskRequest{
		TaskID: "t-dead", Skill: "echo",
	})
	_, err = asyncExchange(ctx, codec.NewRegistry(), st, protocol.FormatJSON, env, reliability.Options{
		AckDeadline:    50 * time.Millisecond,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		MaxAttempts:    3,
	})
	require.Error(t, err)
	var dfe *reliability.DeliveryFailureError
	require.ErrorAs(t, err, &dfe)
	assert.Equal(t, "dead", dfe.Recipient)
}
