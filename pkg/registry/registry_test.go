package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

func TestRegisterAndDispatch(t *testing.T) {
	r := New()
	err := r.Register("echo", func(_ context.Context, env *protocol.Envelope) (json.RawMessage, error) {
		req := env.Payload.(*protocol.TaskRequest)
		return req.Input, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	env := protocol.New("a", "b", &protocol.TaskRequest{TaskID: "t", Skill: "echo", Input: json.RawMessage(`"hi"`)})
	out, err := r.Dispatch(context.Background(), "echo", env)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if string(out) != `"hi"` {
		t.Fatalf("output: %s", out)
	}
}

func TestDispatchUnknownKey(t *testing.T) {
	r := New()
	_, err := r.Dispatch(context.Background(), "nope", nil)
	var hnf *HandlerNotFoundError
	if !errors.As(err, &hnf) {
		t.Fatalf("want *HandlerNotFoundError, got %v", err)
	}
	if protocol.ErrorCodeFor(err) != protocol.CodeHandlerNotFound {
		t.Fatalf("wire code: %v", protocol.ErrorCodeFor(err))
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New()
	if err := r.Register("", func(context.Context, *protocol.Envelope) (json.RawMessage, error) { return nil, nil }); err == nil {
		t.Fatalf("empty key accepted")
	}
	if err := r.Register("k", nil); err == nil {
		t.Fatalf("nil handler accepted")
	}
}

func TestConcurrentReregisterDoesNotRaceDispatch(t *testing.T) {
	// a dispatch snapshots its handler before invocation, so swapping the
	// binding mid-flight must never panic or half-apply
	r := New()
	block := make(chan struct{})
	r.Register("k", func(context.Context, *protocol.Envelope) (json.RawMessage, error) {
		<-block
		return json.RawMessage(`1`), nil
	})

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := r.Dispatch(context.Background(), "k", nil)
			if err != nil {
				t.Errorf("dispatch: %v", err)
				return
			}
			results[i] = out
		}(i)
	}

	// swap while calls are in flight
	r.Register("k", func(context.Context, *protocol.Envelope) (json.RawMessage, error) {
		return json.RawMessage(`2`), nil
	})
	close(block)
	wg.Wait()

	for _, out := range results {
		if s := string(out); s != `1` && s != `2` {
			t.Fatalf("unexpected result %s", s)
		}
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	r.Register("k", func(context.Context, *protocol.Envelope) (json.RawMessage, error) { return nil, nil })
	r.Unregister("k")
	if _, err := r.Lookup("k"); err == nil {
		t.Fatalf("lookup after unregister succeeded")
	}
	if len(r.Keys()) != 0 {
		t.Fatalf("keys: %v", r.Keys())
	}
}
