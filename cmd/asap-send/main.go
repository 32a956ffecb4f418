// asap-send dials a node, submits one TaskRequest and prints the
// TaskResponse. With -mode sync it expects the response as the single
// reply; with -mode async it reads the explicit ack first.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adriannoes/asap-protocol-sub002/pkg/endpoint"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol/codec"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol/stream"
	"github.com/adriannoes/asap-protocol-sub002/pkg/reliability"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/mem"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/quic"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/tcp"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/ws"
)

func main() {
	addr := flag.String("addr", "tcp://127.0.0.1:7420", "node address (mem://, tcp://, quic://, ws://)")
	from := flag.String("from", "asap-send", "sender agent id")
	to := flag.String("to", "agent-1", "recipient agent id")
	skill := flag.String("skill", "echo", "skill to request")
	input := flag.String("input", `"hello"`, "task input (JSON)")
	mode := flag.String("mode", "async", "binding mode: sync|async")
	format := flag.String("format", "json", "wire format: json|cbor")
	timeout := flag.Duration("timeout", 10*time.Second, "overall timeout")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	treg := transport.NewRegistry()
	treg.Register(mem.New())
	treg.Register(tcp.New())
	treg.Register(ws.New())
	if qt, err := quic.New(); err == nil {
		treg.Register(qt)
	}

	sess, err := treg.Dial(ctx, *addr, transport.PeerInfo{AgentID: *to, Addr: *addr})
	if err != nil {
		fatalf("dial %s: %v", *addr, err)
	}
	defer sess.Close()
	st, err := sess.OpenStream(ctx)
	if err != nil {
		fatalf("open stream: %v", err)
	}

	wireFormat := protocol.FormatJSON
	if *format == "cbor" {
		wireFormat = protocol.FormatCBOR
	}
	codecs := codec.NewRegistry()

	env := protocol.New(*from, *to, &protocol.TaskRequest{
		TaskID: uuid.NewString(),
		Skill:  *skill,
		Input:  json.RawMessage(*input),
	})

	var reply *protocol.Envelope
	if *mode == "sync" {
		reply, err = endpoint.Call(ctx, codecs, st, wireFormat, env)
		if err != nil {
			fatalf("call: %v", err)
		}
	} else {
		reply, err = asyncExchange(ctx, codecs, st, wireFormat, env, reliability.Options{
			AckDeadline: 2 * time.Second,
			MaxAttempts: 3,
		})
		if err != nil {
			fatalf("exchange: %v", err)
		}
	}
	printReply(reply)
}

// asyncExchange sends env through the ack tracker, so an unacked request
// is retransmitted with backoff and a dead peer surfaces a delivery
// failure, then reads envelopes until the TaskResponse (or an error
// envelope) for its correlation arrives.
func asyncExchange(ctx context.Context, codecs *codec.Registry, st transport.Stream, f protocol.Format, env *protocol.Envelope, ropts reliability.Options) (*protocol.Envelope, error) {
	conn := stream.New(st, codecs, f)
	frame, err := protocol.EncodeFrame(codecs, f, env)
	if err != nil {
		return nil, err
	}
	tracker := reliability.NewTracker(ropts,
		func(_ string, b []byte) error { return st.SendBytes(b) }, nil)
	defer tracker.Close()

	ackCh, err := tracker.Send(env, frame)
	if err != nil {
		return nil, err
	}

	type result struct {
		reply *protocol.Envelope
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			reply, err := conn.Recv()
			if err != nil {
				ch <- result{err: err}
				return
			}
			if reply.CorrelationID != env.CorrelationID {
				continue
			}
			if ack, ok := reply.Payload.(*protocol.MessageAck); ok {
				tracker.Resolve(reply.Sender, ack)
				continue
			}
			ch <- result{reply: reply}
			return
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case aerr := <-ackCh:
			if aerr != nil {
				return nil, aerr
			}
			zap.L().Info("ack received")
			ackCh = nil
		case r := <-ch:
			return r.reply, r.err
		}
	}
}

func printReply(reply *protocol.Envelope) {
	switch p := reply.Payload.(type) {
	case *protocol.TaskResponse:
		fmt.Printf("task %s: %s\n", p.TaskID, p.FinalState)
		if len(p.Output) > 0 {
			fmt.Printf("output: %s\n", p.Output)
		}
		if p.Error != nil {
			fmt.Printf("error: %s (%s)\n", p.Error.Message, p.Error.Code)
			os.Exit(1)
		}
	case *protocol.ErrorPayload:
		fmt.Printf("error: %s (%s)\n", p.Message, p.Code)
		os.Exit(1)
	default:
		out, _ := json.Marshal(reply)
		fmt.Println(string(out))
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
