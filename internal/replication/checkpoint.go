package replication

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCheckpointStore keeps checkpoints in memory. It is used by tests and
// by embedders that accept replaying history after a restart. Durable setups
// use the bbolt-backed store in internal/checkpoint.
type MemoryCheckpointStore struct {
	mu  sync.Mutex
	cps map[Direction]Checkpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{cps: make(map[Direction]Checkpoint)}
}

func (s *MemoryCheckpointStore) Load(_ context.Context, direction Direction) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[direction]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *MemoryCheckpointStore) Save(_ context.Context, direction Direction, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.cps[direction]; ok && cp.Seq < prev.Seq {
		return fmt.Errorf("checkpoint regression for %s: seq %d < %d", direction, cp.Seq, prev.Seq)
	}
	s.cps[direction] = cp
	return nil
}
