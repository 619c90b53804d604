package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/codetrek/forkdb/pkg/model"
)

// pushEngine converges master to match the fork.
type pushEngine struct {
	st *State
}

// runBatch sends one batch of unreplicated write intents to master and
// settles the results. It returns drained=true when the unpushed set is
// empty or fully accounted for.
func (e *pushEngine) runBatch(ctx context.Context) (drained bool, rerr *Error) {
	st := e.st
	cp := st.loadedCheckpoint(DirectionPush)

	intents, batchCp, err := st.storage.ChangesSince(ctx, cp, st.cfg.PushBatchSize)
	if err != nil {
		return false, storageError(DirectionPush, err)
	}
	if len(intents) == 0 {
		return true, nil
	}

	results, err := st.master.PushRows(ctx, intents)
	if err != nil {
		// Transport failure: nothing is consumed, the whole batch retries.
		return false, &Error{Kind: ErrorTransport, Direction: DirectionPush, Err: err}
	}
	if len(results) != len(intents) {
		return false, &Error{
			Kind:      ErrorTransport,
			Direction: DirectionPush,
			Err:       fmt.Errorf("master returned %d results for %d rows", len(results), len(intents)),
		}
	}

	consumed := make([]ConsumedIntent, 0, len(intents))
	allAccounted := true

	for i, res := range results {
		intent := intents[i]

		if res.Accepted {
			consumed = append(consumed, ConsumedIntent{Intent: intent, MasterState: intent.NewDocumentState})
			continue
		}

		outcome := st.conflicts(res.MasterState, intent.NewDocumentState, intent.AssumedMasterState)
		switch outcome.Kind {
		case OutcomeEqual:
			// Master already holds the fork's content.
			consumed = append(consumed, ConsumedIntent{Intent: intent, MasterState: res.MasterState})
			st.stats.conflictsResolved.Add(1)

		case OutcomeResolved:
			// Master recorded the resolution as part of this push call. The
			// fork overwrites its local copy and does not re-send: the intent
			// is consumed, and any divergence left arrives via the pull side.
			resolved := outcome.Document.Clone()
			resolved.Id = intent.NewDocumentState.Id
			resolved.Collection = intent.NewDocumentState.Collection
			resolved.UpdatedAt = time.Now().UnixMilli()
			resolved.Revision = model.NewRevision()

			if ok, rerr := e.writeResolution(ctx, intent, resolved); rerr != nil {
				return false, rerr
			} else if ok {
				consumed = append(consumed, ConsumedIntent{Intent: intent, MasterState: resolved})
				st.stats.conflictsResolved.Add(1)
			} else {
				// A newer local write superseded the intent while the push
				// was in flight; it stays pending and retries next batch.
				allAccounted = false
			}

		case OutcomeUnresolvable:
			return false, &Error{
				Kind:      ErrorConflict,
				Direction: DirectionPush,
				Err:       fmt.Errorf("unresolvable conflict for document %q", intent.NewDocumentState.Id),
				Fatal:     true,
			}
		}
	}

	if len(consumed) > 0 {
		if err := st.storage.ConsumeIntents(ctx, consumed); err != nil {
			return false, storageError(DirectionPush, err)
		}
		st.stats.documentsPushed.Add(int64(len(consumed)))
	}

	// The watermark stays monotonic: it only advances when every row up to
	// the batch checkpoint is accounted for (accepted or resolved).
	if allAccounted {
		if rerr := st.saveCheckpoint(ctx, DirectionPush, batchCp); rerr != nil {
			return false, rerr
		}
	}

	return len(intents) < st.cfg.PushBatchSize && allAccounted, nil
}

// writeResolution overwrites the local document with the conflict
// resolution, marked as master-originated so it is not queued for push.
// It reports false when the local state moved on and the write lost its
// compare-and-write check.
func (e *pushEngine) writeResolution(ctx context.Context, intent WriteIntent, resolved *model.Document) (bool, *Error) {
	results, err := e.st.storage.BulkWrite(ctx, []BulkWriteRow{{
		Document:   resolved,
		Expected:   intent.NewDocumentState,
		FromMaster: true,
	}})
	if err != nil {
		return false, storageError(DirectionPush, err)
	}
	if len(results) == 1 && results[0].Err == nil {
		return true, nil
	}
	return false, nil
}
