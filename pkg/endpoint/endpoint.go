// Package endpoint is the dispatch core: every inbound envelope flows
// decode -> validate -> authenticate -> rate limit -> dedup -> handler
// dispatch -> state transition -> outbound envelopes. The sync and async
// bindings differ only in how frames arrive and how outcomes are
// acknowledged; the pipeline is shared.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/adriannoes/asap-protocol-sub002/pkg/auth"
	"github.com/adriannoes/asap-protocol-sub002/pkg/observability"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol/codec"
	"github.com/adriannoes/asap-protocol-sub002/pkg/ratelimit"
	"github.com/adriannoes/asap-protocol-sub002/pkg/registry"
	"github.com/adriannoes/asap-protocol-sub002/pkg/reliability"
	"github.com/adriannoes/asap-protocol-sub002/pkg/snapshot"
	"github.com/adriannoes/asap-protocol-sub002/pkg/task"
)

// Options wires an Endpoint's collaborators. AgentID and Registry are
// required; everything else has a working default.
type Options struct {
	AgentID  string
	Registry *registry.Registry
	Tasks    *task.Store
	Limiter  *ratelimit.Limiter
	Auth     auth.Authenticator
	Tracker  *reliability.Tracker
	Sink     observability.Sink
	Codecs   *codec.Registry
	// Snapshot, when set, receives the task after every applied
	// transition. Saves are best effort and never fail the dispatch.
	Snapshot snapshot.Storage

	DedupMax int
	DedupTTL time.Duration
	// Workers bounds concurrent dispatches on the async binding.
	Workers int

	// OnResponse observes inbound TaskResponse envelopes addressed to
	// this endpoint (the requester side of a conversation).
	OnResponse func(ctx context.Context, env *protocol.Envelope, resp *protocol.TaskResponse)
}

type Endpoint struct {
	opts    Options
	reg     *registry.Registry
	tasks   *task.Store
	limiter *ratelimit.Limiter
	authn   auth.Authenticator
	tracker *reliability.Tracker
	sink    observability.Sink
	codecs  *codec.Registry
	snap    snapshot.Storage
	dedup   *dedup
	flight  singleflight.Group

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(opts Options) (*Endpoint, error) {
	if opts.AgentID == "" {
		return nil, fmt.Errorf("endpoint: agent id required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("endpoint: registry required")
	}
	if opts.Tasks == nil {
		opts.Tasks = task.NewStore(task.StoreOptions{})
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.Options{})
	}
	if opts.Auth == nil {
		opts.Auth = auth.Allow()
	}
	if opts.Sink == nil {
		opts.Sink = observability.Nop()
	}
	if opts.Codecs == nil {
		opts.Codecs = codec.NewRegistry()
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	return &Endpoint{
		opts:    opts,
		reg:     opts.Registry,
		tasks:   opts.Tasks,
		limiter: opts.Limiter,
		authn:   opts.Auth,
		tracker: opts.Tracker,
		sink:    opts.Sink,
		codecs:  opts.Codecs,
		snap:    opts.Snapshot,
		dedup:   newDedup(opts.DedupMax, opts.DedupTTL),
		running: make(map[string]context.CancelFunc),
	}, nil
}

func (e *Endpoint) AgentID() string { return e.opts.AgentID }

// Tasks exposes the task store for hosts that snapshot or inspect state.
func (e *Endpoint) Tasks() *task.Store { return e.tasks }

// Process runs one inbound envelope through the pipeline and returns the
// outbound envelopes it produced. A non-nil error means the envelope was
// refused; the bindings translate it into an error envelope (sync) or a
// rejected ack (async) using its stable wire code.
func (e *Endpoint) Process(ctx context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	e.sink.Emit(observability.E(observability.EventDispatchStart,
		"sender", env.Sender,
		"payload_type", string(env.PayloadType),
		"correlation", env.CorrelationID))

	identity, err := e.authn.Authenticate(ctx, env)
	if err != nil {
		zap.L().Warn("authentication refused",
			zap.String("sender", env.Sender), zap.Error(err))
		return nil, err
	}
	if identity.AgentID != "" && identity.AgentID != env.Sender {
		return nil, &auth.Error{AgentID: env.Sender, Reason: "identity mismatch"}
	}

	key := ratelimit.Key{Sender: env.Sender, Endpoint: e.opts.AgentID}
	d := e.limiter.Check(key)
	e.sink.Emit(observability.E(observability.EventRateLimit,
		"sender", env.Sender, "allowed", fmt.Sprint(d.Allowed)))
	if !d.Allowed {
		return nil, e.limiter.Deny(key, d)
	}

	if protocol.MutatesState(env.PayloadType) {
		return e.processMutating(ctx, env)
	}

	outs, err := e.dispatch(ctx, env)
	if err != nil {
		e.sink.Emit(observability.E(observability.EventDispatchEnd,
			"correlation", env.CorrelationID,
			"outcome", string(protocol.ErrorCodeFor(err))))
		return nil, err
	}
	e.sink.Emit(observability.E(observability.EventDispatchEnd,
		"correlation", env.CorrelationID, "outcome", "ok"))
	return outs, nil
}

// processMutating runs a state-mutating envelope with the idempotency
// window: completed duplicates replay the recorded envelopes, and a
// duplicate arriving while the first delivery is still in flight waits
// for and shares the original outcome instead of re-executing.
func (e *Endpoint) processMutating(ctx context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error) {
	key := env.DedupKey()
	if outs, ok := e.dedup.get(key); ok {
		zap.L().Debug("duplicate delivery replayed",
			zap.String("correlation", env.CorrelationID),
			zap.String("payload_type", string(env.PayloadType)))
		e.sink.Emit(observability.E(observability.EventDispatchEnd,
			"correlation", env.CorrelationID, "outcome", "replayed"))
		return outs, nil
	}

	v, err, shared := e.flight.Do(key, func() (interface{}, error) {
		outs, err := e.dispatch(ctx, env)
		if err != nil {
			return nil, err
		}
		e.dedup.put(key, outs)
		return outs, nil
	})
	if err != nil {
		e.sink.Emit(observability.E(observability.EventDispatchEnd,
			"correlation", env.CorrelationID,
			"outcome", string(protocol.ErrorCodeFor(err))))
		return nil, err
	}
	outcome := "ok"
	if shared {
		outcome = "coalesced"
	}
	e.sink.Emit(observability.E(observability.EventDispatchEnd,
		"correlation", env.CorrelationID, "outcome", outcome))
	return v.([]*protocol.Envelope), nil
}

func (e *Endpoint) dispatch(ctx context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error) {
	switch p := env.Payload.(type) {
	case *protocol.TaskRequest:
		return e.handleTaskRequest(ctx, env, p)
	case *protocol.TaskCancel:
		return e.handleTaskCancel(env, p)
	case *protocol.TaskUpdate:
		zap.L().Debug("task update",
			zap.String("task", p.TaskID), zap.Float64("progress", p.Progress))
		return nil, nil
	case *protocol.TaskResponse:
		if e.opts.OnResponse != nil {
			e.opts.OnResponse(ctx, env, p)
		}
		return nil, nil
	case *protocol.MessageAck:
		if e.tracker != nil {
			e.tracker.Resolve(env.Sender, p)
		}
		return nil, nil
	case *protocol.ToolCall:
		return e.handleToolCall(ctx, env, p)
	case *protocol.ToolResult:
		zap.L().Debug("tool result", zap.String("call", p.CallID))
		return nil, nil
	case *protocol.ErrorPayload:
		zap.L().Warn("error envelope received",
			zap.String("sender", env.Sender),
			zap.String("code", string(p.Code)),
			zap.String("message", p.Message))
		return nil, nil
	default:
		return nil, &protocol.ValidationError{Field: "payload_type", Reason: "unsupported"}
	}
}

func (e *Endpoint) handleTaskRequest(ctx context.Context, env *protocol.Envelope, p *protocol.TaskRequest) ([]*protocol.Envelope, error) {
	if _, err := e.tasks.Create(p.TaskID, p.Skill, p.ParentID, p.Depth); err != nil {
		if errors.Is(err, task.ErrExists) {
			// same task id under a fresh correlation is a caller bug,
			// not a duplicate delivery
			return nil, &protocol.ValidationError{Field: "task_id", Reason: "already exists"}
		}
		return nil, err
	}
	if _, _, err := e.applyEvent(p.TaskID, task.Event{Kind: task.EventStart}); err != nil {
		return nil, err
	}

	hctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[p.TaskID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, p.TaskID)
		e.mu.Unlock()
	}()

	out, herr := e.invoke(hctx, p.Skill, env)

	var ev task.Event
	if herr != nil {
		ev = task.Event{Kind: task.EventFail, Err: protocol.NewErrorPayload(herr)}
	} else {
		ev = task.Event{Kind: task.EventComplete, Output: out}
	}
	_, payloads, err := e.applyEvent(p.TaskID, ev)
	if err != nil {
		// a racing cancel reached the terminal state first; the losing
		// outcome is reported, never silently dropped
		return nil, err
	}
	return e.replies(env, payloads), nil
}

func (e *Endpoint) handleTaskCancel(env *protocol.Envelope, p *protocol.TaskCancel) ([]*protocol.Envelope, error) {
	_, payloads, err := e.applyEvent(p.TaskID, task.Event{Kind: task.EventCancel, Reason: p.Reason})
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, &protocol.ValidationError{Field: "task_id", Reason: "unknown task"}
		}
		return nil, err
	}
	e.mu.Lock()
	cancel := e.running[p.TaskID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return e.replies(env, payloads), nil
}

func (e *Endpoint) handleToolCall(ctx context.Context, env *protocol.Envelope, p *protocol.ToolCall) ([]*protocol.Envelope, error) {
	out, err := e.invoke(ctx, p.Tool, env)
	if err != nil {
		// tool failures ride inside the result, not as refusals
		return []*protocol.Envelope{env.Reply(&protocol.ToolResult{
			CallID: p.CallID,
			Err:    err.Error(),
		})}, nil
	}
	return []*protocol.Envelope{env.Reply(&protocol.ToolResult{
		CallID: p.CallID,
		Result: out,
	})}, nil
}

// invoke runs the registered handler with panic containment: nothing a
// handler does escapes to the transport.
func (e *Endpoint) invoke(ctx context.Context, key string, env *protocol.Envelope) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("handler panic",
				zap.String("key", key), zap.Any("panic", r))
			err = fmt.Errorf("handler %q panicked: %v", key, r)
		}
	}()
	return e.reg.Dispatch(ctx, key, env)
}

func (e *Endpoint) applyEvent(taskID string, ev task.Event) (task.Task, []protocol.Payload, error) {
	t, payloads, err := e.tasks.Apply(taskID, ev)
	if err != nil {
		return t, nil, err
	}
	e.sink.Emit(observability.E(observability.EventStateTransition,
		"task", taskID, "event", ev.Kind.String(), "state", string(t.State)))
	if e.snap != nil {
		if serr := e.snap.Save(context.Background(), taskID, t); serr != nil {
			zap.L().Warn("snapshot save failed",
				zap.String("task", taskID), zap.Error(serr))
		}
	}
	return t, payloads, nil
}

func (e *Endpoint) replies(env *protocol.Envelope, payloads []protocol.Payload) []*protocol.Envelope {
	outs := make([]*protocol.Envelope, 0, len(payloads))
	for _, p := range payloads {
		outs = append(outs, env.Reply(p))
	}
	return outs
}

// errorReply builds the error envelope for a refused inbound envelope.
func errorReply(env *protocol.Envelope, err error) *protocol.Envelope {
	return env.Reply(protocol.NewErrorPayload(err))
}
