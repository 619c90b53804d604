package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/codetrek/forkdb/pkg/model"
)

// pullEngine converges the fork to match master.
type pullEngine struct {
	st *State
}

// runBatch pulls one batch of master changes and applies it. It returns
// caughtUp=true when master returned fewer rows than the batch size, meaning
// the backlog is drained and the engine can park until the live stream or a
// resync wakes it.
func (e *pullEngine) runBatch(ctx context.Context) (caughtUp bool, rerr *Error) {
	st := e.st
	cp := st.loadedCheckpoint(DirectionPull)

	resp, err := st.master.PullChanges(ctx, cp, st.cfg.PullBatchSize)
	if err != nil {
		return false, &Error{Kind: ErrorTransport, Direction: DirectionPull, Err: err}
	}

	if len(resp.Documents) == 0 {
		// Nothing to apply. The checkpoint may still have advanced (e.g. the
		// backend skipped rows outside this collection).
		if resp.Checkpoint.Seq > cp.Seq {
			if err := st.saveCheckpoint(ctx, DirectionPull, resp.Checkpoint); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	if rerr := e.applyBatch(ctx, resp.Documents); rerr != nil {
		return false, rerr
	}

	// The checkpoint summarizes the whole batch: it is only saved after
	// every row's write has settled.
	if err := st.saveCheckpoint(ctx, DirectionPull, resp.Checkpoint); err != nil {
		return false, err
	}

	return len(resp.Documents) < st.cfg.PullBatchSize, nil
}

// applyBatch writes incoming master documents to local storage, routing each
// row through the pull/push collision check.
func (e *pullEngine) applyBatch(ctx context.Context, docs []*model.Document) *Error {
	st := e.st

	// Later rows in a batch can supersede earlier ones for the same id;
	// only the last state per id is written.
	latest := make(map[string]*model.Document, len(docs))
	order := make([]string, 0, len(docs))
	for _, doc := range docs {
		if _, seen := latest[doc.Id]; !seen {
			order = append(order, doc.Id)
		}
		latest[doc.Id] = doc
	}

	remaining := order
	for attempt := 0; attempt < st.cfg.MaxWriteAttempts; attempt++ {
		conflicted, rerr := e.applyRows(ctx, remaining, latest)
		if rerr != nil {
			return rerr
		}
		if len(conflicted) == 0 {
			return nil
		}
		// A concurrent application write raced the bulk write. Re-derive the
		// collision decision for the affected ids and try again.
		remaining = conflicted
	}

	return &Error{
		Kind:      ErrorStorage,
		Direction: DirectionPull,
		Err:       fmt.Errorf("pull batch did not settle after %d attempts", st.cfg.MaxWriteAttempts),
	}
}

func (e *pullEngine) applyRows(ctx context.Context, ids []string, incoming map[string]*model.Document) ([]string, *Error) {
	st := e.st

	pending, err := st.storage.PendingIntents(ctx, ids)
	if err != nil {
		return nil, storageError(DirectionPull, err)
	}
	current, err := st.storage.FindByID(ctx, ids)
	if err != nil {
		return nil, storageError(DirectionPull, err)
	}

	rows := make([]BulkWriteRow, 0, len(ids))
	for _, id := range ids {
		doc := incoming[id]

		intent, collides := pending[id]
		if !collides {
			// No unreplicated local write: the incoming row is written as-is,
			// marked as originating at master so it is not queued for push.
			rows = append(rows, BulkWriteRow{
				Document:   doc,
				Expected:   current[id],
				FromMaster: true,
			})
			continue
		}

		outcome := st.conflicts(doc, intent.NewDocumentState, intent.AssumedMasterState)
		switch outcome.Kind {
		case OutcomeEqual:
			// Fork already holds the same content; drop the incoming row.
			st.stats.conflictsResolved.Add(1)
			continue

		case OutcomeResolved:
			// Write the resolution locally and queue it as a fresh push
			// intent whose assumption is the incoming master state, so the
			// next push targets the now-current master document.
			resolved := outcome.Document.Clone()
			resolved.Id = doc.Id
			resolved.Collection = doc.Collection
			resolved.UpdatedAt = time.Now().UnixMilli()
			resolved.Revision = model.NewRevision()
			rows = append(rows, BulkWriteRow{
				Document:      resolved,
				Expected:      current[id],
				AssumedMaster: doc,
			})

		case OutcomeUnresolvable:
			return nil, &Error{
				Kind:      ErrorConflict,
				Direction: DirectionPull,
				Err:       fmt.Errorf("unresolvable conflict for document %q", id),
				Fatal:     true,
			}
		}
	}

	if len(rows) == 0 {
		return nil, nil
	}

	results, err := st.storage.BulkWrite(ctx, rows)
	if err != nil {
		return nil, storageError(DirectionPull, err)
	}

	var conflicted []string
	queuedPush := false
	for i, res := range results {
		if res.Err != nil {
			conflicted = append(conflicted, res.Id)
			continue
		}
		st.stats.documentsPulled.Add(1)
		if !rows[i].FromMaster {
			// A resolution row counts only once its write settles; raced
			// writes re-derive the row and must not double count.
			st.stats.conflictsResolved.Add(1)
			queuedPush = true
		}
	}
	if queuedPush {
		// Collision resolutions queued fresh write intents; get them pushed.
		st.schedulePush()
	}
	return conflicted, nil
}
