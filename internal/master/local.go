package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codetrek/forkdb/internal/replication"
	"github.com/codetrek/forkdb/pkg/model"
)

// LocalMaster serves the master side of the replication protocol over a
// Backend, in-process. It is the authoritative handler the leader-election
// collaborator hands to a process: remote transports (NATS, HTTP) wrap it.
//
// Conflicts are detected by comparing each pushed row's assumed master state
// against the backend's current revision, never trusting client-side
// versioning. The conflict handler must be the same deterministic policy the
// forks use, since both sides evaluate conflicts independently.
type LocalMaster struct {
	backend   Backend
	conflicts replication.ConflictHandler

	// Serializes push batches so the compare-and-apply per row is atomic
	// with respect to concurrently pushing forks.
	pushMu sync.Mutex
}

func NewLocalMaster(backend Backend, conflicts replication.ConflictHandler) (*LocalMaster, error) {
	if backend == nil {
		return nil, errors.New("master: backend is required")
	}
	if conflicts == nil {
		return nil, errors.New("master: a conflict handler is required")
	}
	return &LocalMaster{backend: backend, conflicts: conflicts}, nil
}

// PullChanges returns documents changed since the checkpoint in feed order.
func (m *LocalMaster) PullChanges(ctx context.Context, cp replication.Checkpoint, limit int) (*replication.PullResponse, error) {
	since := tokenPosition(cp.Token)

	docs, pos, err := m.backend.ChangesSince(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("pull changes: %w", err)
	}

	out := &replication.PullResponse{Documents: docs, Checkpoint: cp}
	if pos > since {
		out.Checkpoint = replication.Checkpoint{Token: pos, Seq: pos}
	}
	return out, nil
}

// PushRows applies a batch of write intents. Per row: if the fork's assumed
// master state matches the current revision the write is applied and
// accepted; otherwise the conflict handler runs, a Resolved outcome is
// recorded as the new master state, and the row reports a conflict carrying
// the state that was actually current.
func (m *LocalMaster) PushRows(ctx context.Context, rows []replication.WriteIntent) ([]replication.PushResult, error) {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()

	results := make([]replication.PushResult, len(rows))
	for i, row := range rows {
		if row.NewDocumentState == nil {
			return nil, fmt.Errorf("push row %d: missing document state", i)
		}

		current, err := m.backend.Get(ctx, row.NewDocumentState.Id)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("push row %d: %w", i, err)
		}

		if revisionMatches(row.AssumedMasterState, current) {
			if _, err := m.backend.Put(ctx, row.NewDocumentState); err != nil {
				return nil, fmt.Errorf("push row %d: %w", i, err)
			}
			results[i] = replication.PushResult{Accepted: true}
			continue
		}

		outcome := m.conflicts(current, row.NewDocumentState, row.AssumedMasterState)
		if outcome.Kind == replication.OutcomeResolved {
			resolved := outcome.Document.Clone()
			resolved.Id = row.NewDocumentState.Id
			resolved.UpdatedAt = time.Now().UnixMilli()
			if _, err := m.backend.Put(ctx, resolved); err != nil {
				return nil, fmt.Errorf("push row %d: %w", i, err)
			}
		}

		results[i] = replication.PushResult{Accepted: false, MasterState: current}
	}
	return results, nil
}

// ChangeStream returns the backend's live change feed.
func (m *LocalMaster) ChangeStream(ctx context.Context) (<-chan *model.Document, error) {
	return m.backend.Watch(ctx)
}

func revisionMatches(assumed, current *model.Document) bool {
	if assumed == nil || current == nil {
		return assumed == nil && current == nil
	}
	return assumed.Revision == current.Revision
}
