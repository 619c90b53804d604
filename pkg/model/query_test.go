package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batch() []*Document {
	return []*Document{
		doc("c", map[string]interface{}{"priority": 1}),
		doc("a", map[string]interface{}{"priority": 3}),
		doc("b", map[string]interface{}{"priority": 2}),
		{Id: "d", Collection: "todos", Deleted: true, Data: map[string]interface{}{"priority": 9}},
	}
}

func ids(docs []*Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Id
	}
	return out
}

func TestApplyQuery_SkipsDeletedByDefault(t *testing.T) {
	got, err := ApplyQuery(batch(), Query{Collection: "todos"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
}

func TestApplyQuery_ShowDeleted(t *testing.T) {
	got, err := ApplyQuery(batch(), Query{Collection: "todos", ShowDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(got))
}

func TestApplyQuery_OrderByDesc(t *testing.T) {
	got, err := ApplyQuery(batch(), Query{
		OrderBy: []Order{{Field: "priority", Direction: "desc"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
}

func TestApplyQuery_FilterAndLimit(t *testing.T) {
	got, err := ApplyQuery(batch(), Query{
		Filters: Filters{{Field: "priority", Op: ">=", Value: 2}},
		OrderBy: []Order{{Field: "priority", Direction: "asc"}},
		Limit:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got))
}

func TestApplyQuery_StartAfterCursor(t *testing.T) {
	got, err := ApplyQuery(batch(), Query{StartAfter: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(got))
}

func TestApplyQuery_OtherCollectionExcluded(t *testing.T) {
	docs := append(batch(), &Document{Id: "x", Collection: "notes"})
	got, err := ApplyQuery(docs, Query{Collection: "todos"})
	require.NoError(t, err)
	assert.NotContains(t, ids(got), "x")
}
