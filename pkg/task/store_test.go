package task

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestStoreCreateGetApply(t *testing.T) {
	s := NewStore(StoreOptions{})
	defer s.Close()

	created, err := s.Create("t1", "echo", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.State != StatePending {
		t.Fatalf("state: %s", created.State)
	}

	if _, err := s.Create("t1", "echo", "", 0); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create: %v", err)
	}

	if _, _, err := s.Apply("missing", Event{Kind: EventStart}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("apply missing: %v", err)
	}

	got, _, err := s.Apply("t1", Event{Kind: EventStart})
	if err != nil {
		t.Fatalf("apply start: %v", err)
	}
	if got.State != StateRunning {
		t.Fatalf("state after start: %s", got.State)
	}

	snap, err := s.Get("t1")
	if err != nil || snap.State != StateRunning {
		t.Fatalf("get: %v %s", err, snap.State)
	}
}

func TestStoreDepthBound(t *testing.T) {
	s := NewStore(StoreOptions{MaxDepth: 3})
	defer s.Close()

	if _, err := s.Create("ok", "echo", "parent", 3); err != nil {
		t.Fatalf("at cap: %v", err)
	}
	_, err := s.Create("deep", "echo", "parent", 4)
	var de *DepthError
	if !errors.As(err, &de) {
		t.Fatalf("want *DepthError, got %v", err)
	}
	// the task must not exist at all
	if _, err := s.Get("deep"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected task is visible: %v", err)
	}
}

func TestStoreApplyRejectionLeavesStateUnchanged(t *testing.T) {
	s := NewStore(StoreOptions{})
	defer s.Close()
	s.Create("t1", "echo", "", 0)
	s.Apply("t1", Event{Kind: EventStart})
	s.Apply("t1", Event{Kind: EventComplete})

	snap, _, err := s.Apply("t1", Event{Kind: EventCancel})
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("want *InvalidTransitionError, got %v", err)
	}
	if snap.State != StateCompleted {
		t.Fatalf("state mutated on rejection: %s", snap.State)
	}
}

func TestStoreConcurrentCancelCompleteRace(t *testing.T) {
	// exactly one of the racing events wins; the other is rejected
	s := NewStore(StoreOptions{})
	defer s.Close()

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("t%d", i)
		s.Create(id, "echo", "", 0)
		s.Apply(id, Event{Kind: EventStart})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() { defer wg.Done(); _, _, errs[0] = s.Apply(id, Event{Kind: EventComplete}) }()
		go func() { defer wg.Done(); _, _, errs[1] = s.Apply(id, Event{Kind: EventCancel}) }()
		wg.Wait()

		okCount := 0
		for _, err := range errs {
			if err == nil {
				okCount++
				continue
			}
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("loser got %v, want *InvalidTransitionError", err)
			}
		}
		if okCount != 1 {
			t.Fatalf("want exactly one winner, got %d", okCount)
		}
		snap, _ := s.Get(id)
		if !snap.State.Terminal() {
			t.Fatalf("task not terminal after race: %s", snap.State)
		}
	}
}

func TestStoreSweepsTerminalTasks(t *testing.T) {
	s := NewStore(StoreOptions{RetainTerminal: 10 * time.Millisecond, SweepEvery: time.Hour})
	defer s.Close()
	s.Create("t1", "echo", "", 0)
	s.Apply("t1", Event{Kind: EventStart})
	s.Apply("t1", Event{Kind: EventComplete})
	s.Create("t2", "echo", "", 0) // still pending, must survive

	time.Sleep(20 * time.Millisecond)
	s.sweepOnce()

	if _, err := s.Get("t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal task not swept: %v", err)
	}
	if _, err := s.Get("t2"); err != nil {
		t.Fatalf("pending task swept: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("len: %d", s.Len())
	}
}
