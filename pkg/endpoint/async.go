package endpoint

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adriannoes/asap-protocol-sub002/pkg/observability"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport"
)

// ServeAsync drives one long-lived session: every inbound envelope is an
// independent unit of work on a bounded worker pool. Payloads that
// require acknowledgment get an explicit MessageAck (rejected, with the
// refusal's wire code as detail, when the pipeline refuses them); any
// produced envelopes are written back on the same stream.
func (e *Endpoint) ServeAsync(ctx context.Context, sess transport.Session) error {
	st, err := sess.AcceptStream(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	var recvErr error
	for {
		frame, err := st.RecvBytes()
		if err != nil {
			recvErr = err
			break
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			e.serveFrame(gctx, sess, st, frame)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return recvErr
}

func (e *Endpoint) serveFrame(ctx context.Context, sess transport.Session, st transport.Stream, frame []byte) {
	env, format, err := protocol.DecodeFrame(e.codecs, frame)
	if err != nil {
		zap.L().Warn("undecodable async frame",
			zap.String("peer", sess.Peer().AgentID), zap.Error(err))
		return
	}
	// first authenticated envelope names the agent behind the session
	if peer := sess.Peer(); peer.AgentID != env.Sender {
		sess.SetPeer(transport.PeerInfo{AgentID: env.Sender, Addr: peer.Addr})
	}

	outs, perr := e.Process(ctx, env)

	if env.RequiresAck && env.PayloadType != protocol.TypeMessageAck {
		ack := env.Ack(protocol.AckOK, "")
		if perr != nil {
			ack = env.Ack(protocol.AckRejected, string(protocol.ErrorCodeFor(perr)))
		}
		if err := e.sendEnvelope(st, format, ack); err != nil {
			zap.L().Debug("ack send failed", zap.Error(err))
			return
		}
		e.sink.Emit(observability.E(observability.EventAckSent,
			"recipient", env.Sender,
			"correlation", env.CorrelationID,
			"status", string(ack.Payload.(*protocol.MessageAck).Status)))
	}

	for _, out := range outs {
		if err := e.sendEnvelope(st, format, out); err != nil {
			zap.L().Debug("outbound send failed",
				zap.String("correlation", out.CorrelationID), zap.Error(err))
			return
		}
	}
}

func (e *Endpoint) sendEnvelope(st transport.Stream, format protocol.Format, env *protocol.Envelope) error {
	frame, err := protocol.EncodeFrame(e.codecs, format, env)
	if err != nil {
		return err
	}
	return st.SendBytes(frame)
}

// ServeAsyncListener accepts sessions from l and serves each as a
// long-lived async channel until ctx is done.
func (e *Endpoint) ServeAsyncListener(ctx context.Context, l transport.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	for {
		sess, err := l.Accept(gctx)
		if err != nil {
			_ = g.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		g.Go(func() error {
			defer sess.Close()
			if err := e.ServeAsync(gctx, sess); err != nil && gctx.Err() == nil {
				zap.L().Debug("async session ended",
					zap.String("peer", sess.Peer().AgentID), zap.Error(err))
			}
			return nil
		})
	}
}
