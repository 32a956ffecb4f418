package endpoint

import (
	"context"

	"go.uber.org/zap"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol/codec"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport"
)

// ServeSync answers one request/response exchange on st: exactly one
// envelope in, exactly one envelope out. The response is the implicit
// acknowledgment; refusals come back as an error envelope in the same
// encoding the request used.
func (e *Endpoint) ServeSync(ctx context.Context, st transport.Stream) error {
	frame, err := st.RecvBytes()
	if err != nil {
		return err
	}
	env, format, err := protocol.DecodeFrame(e.codecs, frame)
	if err != nil {
		// undecodable frames have no sender to answer; drop with a log
		zap.L().Warn("undecodable sync frame", zap.Error(err))
		return err
	}

	reply := e.processSync(ctx, env)
	out, err := protocol.EncodeFrame(e.codecs, format, reply)
	if err != nil {
		return err
	}
	return st.SendBytes(out)
}

func (e *Endpoint) processSync(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	outs, err := e.Process(ctx, env)
	switch {
	case err != nil:
		return errorReply(env, err)
	case len(outs) > 0:
		return outs[0]
	default:
		// informational payloads get a bare ack so the caller always
		// reads exactly one envelope
		return env.Ack(protocol.AckOK, "")
	}
}

// ServeSyncListener accepts sessions from l and answers each with one
// sync exchange. It returns when ctx is done or the listener closes.
func (e *Endpoint) ServeSyncListener(ctx context.Context, l transport.Listener) error {
	for {
		sess, err := l.Accept(ctx)
		if err != nil {
			return err
		}
		go func() {
			defer sess.Close()
			st, err := sess.AcceptStream(ctx)
			if err != nil {
				return
			}
			if err := e.ServeSync(ctx, st); err != nil && ctx.Err() == nil {
				zap.L().Debug("sync exchange failed", zap.Error(err))
			}
		}()
	}
}

// Call performs the client half of a sync exchange over st.
func Call(ctx context.Context, codecs *codec.Registry, st transport.Stream, format protocol.Format, env *protocol.Envelope) (*protocol.Envelope, error) {
	frame, err := protocol.EncodeFrame(codecs, format, env)
	if err != nil {
		return nil, err
	}
	if err := st.SendBytes(frame); err != nil {
		return nil, err
	}
	type result struct {
		reply *protocol.Envelope
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := st.RecvBytes()
		if err != nil {
			ch <- result{err: err}
			return
		}
		reply, _, err := protocol.DecodeFrame(codecs, b)
		ch <- result{reply: reply, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.reply, r.err
	}
}
