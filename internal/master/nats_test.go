package master

import (
	"context"
	"testing"
	"time"

	"github.com/codetrek/forkdb/internal/replication"
	"github.com/codetrek/forkdb/internal/storage/memory"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectNATS(t *testing.T) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(time.Second))
	if err != nil {
		t.Skipf("NATS server not available: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestNATS_PullPushRoundTrip(t *testing.T) {
	nc := connectNATS(t)

	backend := memory.NewMasterStore("nats-todos")
	lm, err := NewLocalMaster(backend, replication.LastWriteWins())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewNATSServer(nc, lm, "nats-todos")
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	client := NewNATSClient(nc, "nats-todos")

	doc := testDoc("a", 100, map[string]interface{}{"title": "via nats"})
	results, err := client.PushRows(ctx, []replication.WriteIntent{{NewDocumentState: doc}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Accepted)

	resp, err := client.PullChanges(ctx, replication.Checkpoint{}, 10)
	require.NoError(t, err)
	require.Len(t, resp.Documents, 1)
	assert.Equal(t, "via nats", resp.Documents[0].Data["title"])
}

func TestNATS_ChangeStream(t *testing.T) {
	nc := connectNATS(t)

	backend := memory.NewMasterStore("nats-stream")
	lm, err := NewLocalMaster(backend, replication.LastWriteWins())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewNATSServer(nc, lm, "nats-stream")
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	client := NewNATSClient(nc, "nats-stream")
	stream, err := client.ChangeStream(ctx)
	require.NoError(t, err)

	// Give the subscription a moment to be registered server-side.
	time.Sleep(100 * time.Millisecond)

	_, err = backend.Put(ctx, testDoc("a", 100, nil))
	require.NoError(t, err)

	select {
	case doc := <-stream:
		assert.Equal(t, "a", doc.Id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a streamed change")
	}
}
