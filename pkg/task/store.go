package task

import (
	"errors"
	"sync"
	"time"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

// ErrNotFound reports a task id unknown to the store.
var ErrNotFound = errors.New("task not found")

// ErrExists reports a duplicate task id on Create.
var ErrExists = errors.New("task already exists")

// StoreOptions tunes the in-memory task store.
type StoreOptions struct {
	Shards         int           // map shard count (default 64)
	MaxDepth       int           // subtask depth cap (default DefaultMaxDepth)
	RetainTerminal time.Duration // how long terminal tasks stay queryable (0 = forever)
	SweepEvery     time.Duration // janitor period (default 30s when RetainTerminal > 0)
}

func (o *StoreOptions) withDefaults() StoreOptions {
	res := *o
	if res.Shards <= 0 {
		res.Shards = 64
	}
	if res.MaxDepth <= 0 {
		res.MaxDepth = DefaultMaxDepth
	}
	if res.RetainTerminal > 0 && res.SweepEvery <= 0 {
		res.SweepEvery = 30 * time.Second
	}
	return res
}

// Store holds tasks owned by the local agent, sharded to keep unrelated
// lifecycles from contending on one lock. Apply runs the state machine
// under the owning shard's lock so concurrent events on one task serialize
// and the terminal-closure invariant decides races.
type Store struct {
	opts    StoreOptions
	shards  []storeShard
	closeCh chan struct{}
	wg      sync.WaitGroup
	nowFn   func() time.Time
}

type storeShard struct {
	mu sync.RWMutex
	m  map[string]*Task
}

func NewStore(opts StoreOptions) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:    opts,
		shards:  make([]storeShard, opts.Shards),
		closeCh: make(chan struct{}),
		nowFn:   time.Now,
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*Task)
	}
	if opts.RetainTerminal > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s
}

func (s *Store) Close() {
	close(s.closeCh)
	s.wg.Wait()
}

// fnv-1a shard selection, same scheme the wire layer uses for pending acks
func (s *Store) shardFor(id string) *storeShard {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

// Create inserts a new PENDING task. Depth is validated here: a subtask
// past the cap never exists, so it can never reach RUNNING.
func (s *Store) Create(id, skill, parentID string, depth int) (Task, error) {
	if depth > s.opts.MaxDepth {
		return Task{}, &DepthError{TaskID: id, Depth: depth, Max: s.opts.MaxDepth}
	}
	now := s.nowFn().UTC()
	t := &Task{ID: id, Skill: skill, State: StatePending, ParentID: parentID, Depth: depth, CreatedAt: now, UpdatedAt: now}

	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.m[id]; exists {
		return Task{}, ErrExists
	}
	sh.m[id] = t
	return *t, nil
}

// Get returns a snapshot of the task.
func (s *Store) Get(id string) (Task, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	t, ok := sh.m[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

// Apply runs Transition for ev against the stored task atomically. On
// success the new state is persisted and the emitted payloads returned; on
// rejection the stored task is untouched and the transition error returned
// alongside the unchanged snapshot.
func (s *Store) Apply(id string, ev Event) (Task, []protocol.Payload, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t, ok := sh.m[id]
	if !ok {
		return Task{}, nil, ErrNotFound
	}
	next, emitted, err := Transition(*t, ev)
	if err != nil {
		return *t, nil, err
	}
	t.State = next
	t.UpdatedAt = s.nowFn().UTC()
	return *t, emitted, nil
}

// Len reports the number of stored tasks.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.RLock()
		n += len(s.shards[i].m)
		s.shards[i].mu.RUnlock()
	}
	return n
}

func (s *Store) sweeper() {
	defer s.wg.Done()
	tick := time.NewTicker(s.opts.SweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-tick.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce drops terminal tasks older than the retention window. Archival
// to durable storage is the snapshot collaborator's job, not the store's.
func (s *Store) sweepOnce() {
	cutoff := s.nowFn().Add(-s.opts.RetainTerminal)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, t := range sh.m {
			if t.State.Terminal() && t.UpdatedAt.Before(cutoff) {
				delete(sh.m, id)
			}
		}
		sh.mu.Unlock()
	}
}
