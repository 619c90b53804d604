package replication

import (
	"context"
	"sync"

	"github.com/codetrek/forkdb/pkg/model"
)

// stubMaster scripts the master side of the protocol per test.
type stubMaster struct {
	pullChanges  func(ctx context.Context, cp Checkpoint, limit int) (*PullResponse, error)
	pushRows     func(ctx context.Context, rows []WriteIntent) ([]PushResult, error)
	changeStream func(ctx context.Context) (<-chan *model.Document, error)
}

func (m *stubMaster) PullChanges(ctx context.Context, cp Checkpoint, limit int) (*PullResponse, error) {
	if m.pullChanges != nil {
		return m.pullChanges(ctx, cp, limit)
	}
	return &PullResponse{Checkpoint: cp}, nil
}

func (m *stubMaster) PushRows(ctx context.Context, rows []WriteIntent) ([]PushResult, error) {
	if m.pushRows != nil {
		return m.pushRows(ctx, rows)
	}
	results := make([]PushResult, len(rows))
	for i := range results {
		results[i] = PushResult{Accepted: true}
	}
	return results, nil
}

func (m *stubMaster) ChangeStream(ctx context.Context) (<-chan *model.Document, error) {
	if m.changeStream != nil {
		return m.changeStream(ctx)
	}
	ch := make(chan *model.Document)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// stubStorage scripts the fork-side adapter per test. Calls are recorded so
// tests can assert on the rows the engines produced.
type stubStorage struct {
	mu         sync.Mutex
	bulkWrites [][]BulkWriteRow
	consumed   [][]ConsumedIntent

	bulkWrite      func(ctx context.Context, rows []BulkWriteRow) ([]BulkWriteResult, error)
	changesSince   func(ctx context.Context, cp Checkpoint, limit int) ([]WriteIntent, Checkpoint, error)
	findByID       func(ctx context.Context, ids []string) (map[string]*model.Document, error)
	pendingIntents func(ctx context.Context, ids []string) (map[string]WriteIntent, error)
	consumeIntents func(ctx context.Context, consumed []ConsumedIntent) error
}

func (s *stubStorage) BulkWrite(ctx context.Context, rows []BulkWriteRow) ([]BulkWriteResult, error) {
	s.mu.Lock()
	s.bulkWrites = append(s.bulkWrites, rows)
	s.mu.Unlock()
	if s.bulkWrite != nil {
		return s.bulkWrite(ctx, rows)
	}
	results := make([]BulkWriteResult, len(rows))
	for i, row := range rows {
		results[i] = BulkWriteResult{Id: row.Document.Id}
	}
	return results, nil
}

func (s *stubStorage) ChangesSince(ctx context.Context, cp Checkpoint, limit int) ([]WriteIntent, Checkpoint, error) {
	if s.changesSince != nil {
		return s.changesSince(ctx, cp, limit)
	}
	return nil, cp, nil
}

func (s *stubStorage) FindByID(ctx context.Context, ids []string) (map[string]*model.Document, error) {
	if s.findByID != nil {
		return s.findByID(ctx, ids)
	}
	return map[string]*model.Document{}, nil
}

func (s *stubStorage) PendingIntents(ctx context.Context, ids []string) (map[string]WriteIntent, error) {
	if s.pendingIntents != nil {
		return s.pendingIntents(ctx, ids)
	}
	return map[string]WriteIntent{}, nil
}

func (s *stubStorage) ConsumeIntents(ctx context.Context, consumed []ConsumedIntent) error {
	s.mu.Lock()
	s.consumed = append(s.consumed, consumed)
	s.mu.Unlock()
	if s.consumeIntents != nil {
		return s.consumeIntents(ctx, consumed)
	}
	return nil
}

func (s *stubStorage) writtenRows() [][]BulkWriteRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]BulkWriteRow, len(s.bulkWrites))
	copy(out, s.bulkWrites)
	return out
}

func (s *stubStorage) consumedBatches() [][]ConsumedIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]ConsumedIntent, len(s.consumed))
	copy(out, s.consumed)
	return out
}

func newTestState(t interface{ Fatalf(string, ...interface{}) }, cfg Config, master MasterHandler, storage LocalStorage) *State {
	if cfg.Collection == "" {
		cfg.Collection = "todos"
	}
	st, err := New(cfg, master, storage, NewMemoryCheckpointStore(), LastWriteWins())
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return st
}
