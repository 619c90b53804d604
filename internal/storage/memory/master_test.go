package memory

import (
	"context"
	"testing"

	"github.com/codetrek/forkdb/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterStore_PutAssignsRevision(t *testing.T) {
	m := NewMasterStore("todos")
	ctx := context.Background()

	stored, err := m.Put(ctx, &model.Document{Id: "a", Data: map[string]interface{}{"v": 1}})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Revision)
	assert.Equal(t, "todos", stored.Collection)
	assert.NotZero(t, stored.UpdatedAt)

	again, err := m.Put(ctx, stored)
	require.NoError(t, err)
	assert.NotEqual(t, stored.Revision, again.Revision)
}

func TestMasterStore_GetIncludesDeleted(t *testing.T) {
	m := NewMasterStore("todos")
	ctx := context.Background()

	_, err := m.Put(ctx, &model.Document{Id: "a", Deleted: true})
	require.NoError(t, err)

	doc, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, doc.Deleted)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMasterStore_ChangesSincePagination(t *testing.T) {
	m := NewMasterStore("todos")
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Put(ctx, &model.Document{Id: id})
		require.NoError(t, err)
	}

	docs, pos, err := m.ChangesSince(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.EqualValues(t, 2, pos)
	assert.Equal(t, "a", docs[0].Id)

	docs, pos, err = m.ChangesSince(ctx, pos, 2)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.EqualValues(t, 3, pos)
	assert.Equal(t, "c", docs[0].Id)

	docs, pos, err = m.ChangesSince(ctx, pos, 2)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.EqualValues(t, 3, pos)
}

func TestMasterStore_WatchReceivesPuts(t *testing.T) {
	m := NewMasterStore("todos")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := m.Watch(ctx)
	require.NoError(t, err)

	_, err = m.Put(ctx, &model.Document{Id: "a"})
	require.NoError(t, err)

	doc := <-stream
	assert.Equal(t, "a", doc.Id)

	cancel()
	_, open := <-stream
	assert.False(t, open)
}
