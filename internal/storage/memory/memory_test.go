package memory

import (
	"context"
	"testing"

	"github.com/codetrek/forkdb/internal/replication"
	"github.com/codetrek/forkdb/internal/storage"
	"github.com/codetrek/forkdb/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutQueuesIntent(t *testing.T) {
	s := NewStore("todos")
	ctx := context.Background()

	doc, err := s.Put(ctx, "a", map[string]interface{}{"title": "x"})
	require.NoError(t, err)
	require.NotEmpty(t, doc.Revision)

	pending, err := s.PendingIntents(ctx, []string{"a"})
	require.NoError(t, err)
	require.Contains(t, pending, "a")
	assert.Equal(t, doc.Revision, pending["a"].NewDocumentState.Revision)
	assert.Nil(t, pending["a"].AssumedMasterState)
}

func TestStore_MasterWriteClearsPending(t *testing.T) {
	s := NewStore("todos")
	ctx := context.Background()

	local, err := s.Put(ctx, "a", map[string]interface{}{"v": "local"})
	require.NoError(t, err)

	incoming := &model.Document{
		Id: "a", Collection: "todos",
		Data:     map[string]interface{}{"v": "master"},
		Revision: model.NewRevision(),
	}
	results, err := s.BulkWrite(ctx, []replication.BulkWriteRow{{
		Document:   incoming,
		Expected:   local,
		FromMaster: true,
	}})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	pending, err := s.PendingIntents(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_BulkWriteRevisionMismatch(t *testing.T) {
	s := NewStore("todos")
	ctx := context.Background()

	stored, err := s.Put(ctx, "a", map[string]interface{}{"v": 1})
	require.NoError(t, err)

	stale := stored.Clone()
	stale.Revision = model.NewRevision()

	next := stored.Clone()
	next.Revision = model.NewRevision()

	results, err := s.BulkWrite(ctx, []replication.BulkWriteRow{{
		Document: next,
		Expected: stale,
	}})
	require.NoError(t, err)
	require.ErrorIs(t, results[0].Err, model.ErrConflict)
	assert.Equal(t, stored.Revision, results[0].CurrentState.Revision)
}

func TestStore_ChangesSinceOrderAndCheckpoint(t *testing.T) {
	s := NewStore("todos")
	ctx := context.Background()

	_, err := s.Put(ctx, "a", map[string]interface{}{"v": 1})
	require.NoError(t, err)
	_, err = s.Put(ctx, "b", map[string]interface{}{"v": 2})
	require.NoError(t, err)

	intents, cp, err := s.ChangesSince(ctx, replication.Checkpoint{}, 10)
	require.NoError(t, err)
	require.Len(t, intents, 2)
	assert.Equal(t, "a", intents[0].NewDocumentState.Id)
	assert.Equal(t, "b", intents[1].NewDocumentState.Id)
	assert.EqualValues(t, 2, cp.Seq)

	// Advancing past the checkpoint returns nothing new.
	intents, _, err = s.ChangesSince(ctx, cp, 10)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestStore_ChangesSinceCoalescesPerID(t *testing.T) {
	s := NewStore("todos")
	ctx := context.Background()

	_, err := s.Put(ctx, "a", map[string]interface{}{"v": 1})
	require.NoError(t, err)
	second, err := s.Put(ctx, "a", map[string]interface{}{"v": 2})
	require.NoError(t, err)

	intents, _, err := s.ChangesSince(ctx, replication.Checkpoint{}, 10)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, second.Revision, intents[0].NewDocumentState.Revision)
}

func TestStore_ConsumeIntents(t *testing.T) {
	s := NewStore("todos")
	ctx := context.Background()

	doc, err := s.Put(ctx, "a", map[string]interface{}{"v": 1})
	require.NoError(t, err)

	intents, _, err := s.ChangesSince(ctx, replication.Checkpoint{}, 10)
	require.NoError(t, err)
	require.Len(t, intents, 1)

	require.NoError(t, s.ConsumeIntents(ctx, []replication.ConsumedIntent{{
		Intent:      intents[0],
		MasterState: doc,
	}}))

	pending, err := s.PendingIntents(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_ConsumeSkipsSupersededIntent(t *testing.T) {
	s := NewStore("todos")
	ctx := context.Background()

	_, err := s.Put(ctx, "a", map[string]interface{}{"v": 1})
	require.NoError(t, err)

	intents, _, err := s.ChangesSince(ctx, replication.Checkpoint{}, 10)
	require.NoError(t, err)

	// A newer local write lands while the first intent is in flight.
	newer, err := s.Put(ctx, "a", map[string]interface{}{"v": 2})
	require.NoError(t, err)

	require.NoError(t, s.ConsumeIntents(ctx, []replication.ConsumedIntent{{
		Intent:      intents[0],
		MasterState: intents[0].NewDocumentState,
	}}))

	pending, err := s.PendingIntents(ctx, []string{"a"})
	require.NoError(t, err)
	require.Contains(t, pending, "a")
	assert.Equal(t, newer.Revision, pending["a"].NewDocumentState.Revision)
}

func TestStore_AssumedMasterRecordedAfterConsume(t *testing.T) {
	s := NewStore("todos")
	ctx := context.Background()

	first, err := s.Put(ctx, "a", map[string]interface{}{"v": 1})
	require.NoError(t, err)

	intents, _, err := s.ChangesSince(ctx, replication.Checkpoint{}, 10)
	require.NoError(t, err)
	require.NoError(t, s.ConsumeIntents(ctx, []replication.ConsumedIntent{{
		Intent:      intents[0],
		MasterState: first,
	}}))

	// The next local write assumes the recorded master-known state.
	_, err = s.Put(ctx, "a", map[string]interface{}{"v": 2})
	require.NoError(t, err)

	pending, err := s.PendingIntents(ctx, []string{"a"})
	require.NoError(t, err)
	require.Contains(t, pending, "a")
	require.NotNil(t, pending["a"].AssumedMasterState)
	assert.Equal(t, first.Revision, pending["a"].AssumedMasterState.Revision)
}

func TestStore_DeleteIsSoft(t *testing.T) {
	s := NewStore("todos")
	ctx := context.Background()

	_, err := s.Put(ctx, "a", map[string]interface{}{"v": 1})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "a"))

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// The tombstone is still queued for push.
	pending, err := s.PendingIntents(ctx, []string{"a"})
	require.NoError(t, err)
	require.Contains(t, pending, "a")
	assert.True(t, pending["a"].NewDocumentState.Deleted)

	assert.ErrorIs(t, s.Delete(ctx, "a"), model.ErrNotFound)
}

func TestStore_OnLocalWriteFires(t *testing.T) {
	s := NewStore("todos")
	fired := 0
	s.OnLocalWrite(func() { fired++ })

	ctx := context.Background()
	_, err := s.Put(ctx, "a", map[string]interface{}{"v": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// Master-originated writes do not fire the callback.
	doc := &model.Document{Id: "b", Collection: "todos", Revision: model.NewRevision()}
	_, err = s.BulkWrite(ctx, []replication.BulkWriteRow{{Document: doc, FromMaster: true}})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestStore_Query(t *testing.T) {
	s := NewStore("todos")
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, id, map[string]interface{}{"n": i})
		require.NoError(t, err)
	}
	require.NoError(t, s.Delete(ctx, "b"))

	docs, err := s.Query(ctx, model.Query{
		OrderBy: []model.Order{{Field: "n", Direction: "desc"}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c", docs[0].Id)
	assert.Equal(t, "a", docs[1].Id)
}

func TestStore_WatchDeliversEvents(t *testing.T) {
	s := NewStore("todos")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Watch(ctx, storage.WatchOptions{Buffer: 4})
	require.NoError(t, err)

	_, err = s.Put(ctx, "a", map[string]interface{}{"v": 1})
	require.NoError(t, err)

	evt := <-events
	assert.Equal(t, storage.EventCreate, evt.Type)
	assert.Equal(t, "a", evt.Document.Id)

	_, err = s.Put(ctx, "a", map[string]interface{}{"v": 2})
	require.NoError(t, err)
	evt = <-events
	assert.Equal(t, storage.EventUpdate, evt.Type)
}
