package snapshot

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/adriannoes/asap-protocol-sub002/pkg/task"
)

// Memory is a sharded in-memory Storage. Records are copied on Save and
// Load, so callers can mutate their task values freely.
type Memory struct {
	shards []memShard

	mSaves atomic.Uint64
	mLoads atomic.Uint64
	mHits  atomic.Uint64
}

type memShard struct {
	mu sync.RWMutex
	m  map[string]task.Task
}

const memoryShards = 64

func NewMemory() *Memory {
	s := &Memory{shards: make([]memShard, memoryShards)}
	for i := range s.shards {
		s.shards[i].m = make(map[string]task.Task)
	}
	return s
}

func (s *Memory) shardFor(key string) *memShard {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

func (s *Memory) Save(_ context.Context, taskID string, t task.Task) error {
	sh := s.shardFor(taskID)
	sh.mu.Lock()
	sh.m[taskID] = t
	sh.mu.Unlock()
	s.mSaves.Add(1)
	return nil
}

func (s *Memory) Load(_ context.Context, taskID string) (task.Task, error) {
	sh := s.shardFor(taskID)
	sh.mu.RLock()
	t, ok := sh.m[taskID]
	sh.mu.RUnlock()
	s.mLoads.Add(1)
	if !ok {
		return task.Task{}, ErrNotFound
	}
	s.mHits.Add(1)
	return t, nil
}

func (s *Memory) Delete(_ context.Context, taskID string) error {
	sh := s.shardFor(taskID)
	sh.mu.Lock()
	delete(sh.m, taskID)
	sh.mu.Unlock()
	return nil
}

// Metrics reports save/load counters.
type Metrics struct {
	Saves, Loads, Hits uint64
}

func (s *Memory) Metrics() Metrics {
	return Metrics{Saves: s.mSaves.Load(), Loads: s.mLoads.Load(), Hits: s.mHits.Load()}
}
