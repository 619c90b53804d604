package integration

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/codetrek/forkdb/internal/config"
	"github.com/codetrek/forkdb/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForPort(t *testing.T, port int) {
	t.Helper()
	addr := fmt.Sprintf("localhost:%d", port)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("port %d never came up", port)
}

func nodeConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.LoadConfig()
	cfg.Storage.Backend = "memory"
	cfg.Storage.SQLitePath = filepath.Join(dir, "fork.db")
	cfg.Storage.CheckpointPath = filepath.Join(dir, "checkpoints.db")
	cfg.Auth.PrivateKeyPath = filepath.Join(dir, "key.pem")
	cfg.Replication.Collections = []string{"todos"}
	cfg.Replication.RetryDelay = config.Duration(100 * time.Millisecond)
	cfg.API.Port = port
	return cfg
}

func startManager(t *testing.T, cfg *config.Config, opts services.Options) *services.Manager {
	t.Helper()
	mgr := services.NewManager(cfg, opts)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, mgr.Init(ctx))
	require.NoError(t, mgr.Run(ctx))

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		mgr.Shutdown(shutdownCtx)
		cancel()
	})
	return mgr
}

func TestReplicationEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	port := freePort(t)

	hub := startManager(t, nodeConfig(t, port), services.Options{
		RunMaster:     true,
		RunReplicator: true,
	})
	waitForPort(t, port)

	edgeCfg := nodeConfig(t, freePort(t))
	edgeCfg.Replication.MasterURL = fmt.Sprintf("http://localhost:%d", port)
	edge := startManager(t, edgeCfg, services.Options{RunReplicator: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, hub.State("todos").AwaitInitialReplication(ctx))
	require.NoError(t, edge.State("todos").AwaitInitialReplication(ctx))

	t.Run("EdgeWriteReachesHub", func(t *testing.T) {
		_, err := edge.Store("todos").Put(context.Background(), "task-1", map[string]interface{}{"title": "from edge"})
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			doc, err := hub.Store("todos").Get(context.Background(), "task-1")
			return err == nil && doc.Data["title"] == "from edge"
		}, 10*time.Second, 50*time.Millisecond)
	})

	t.Run("HubWriteReachesEdge", func(t *testing.T) {
		_, err := hub.Store("todos").Put(context.Background(), "task-2", map[string]interface{}{"title": "from hub"})
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			doc, err := edge.Store("todos").Get(context.Background(), "task-2")
			return err == nil && doc.Data["title"] == "from hub"
		}, 10*time.Second, 50*time.Millisecond)
	})

	t.Run("DeletePropagates", func(t *testing.T) {
		require.NoError(t, edge.Store("todos").Delete(context.Background(), "task-1"))

		assert.Eventually(t, func() bool {
			_, err := hub.Store("todos").Get(context.Background(), "task-1")
			return err != nil
		}, 10*time.Second, 50*time.Millisecond)
	})
}

func TestReplicationEndToEnd_WithAuth(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	port := freePort(t)

	hubCfg := nodeConfig(t, port)
	hubCfg.Auth.Enabled = true
	hub := startManager(t, hubCfg, services.Options{RunMaster: true})
	waitForPort(t, port)

	token, err := hub.TokenService().GenerateClientToken("edge-1", []string{"todos"})
	require.NoError(t, err)

	edgeCfg := nodeConfig(t, freePort(t))
	edgeCfg.Replication.MasterURL = fmt.Sprintf("http://localhost:%d", port)
	edgeCfg.Replication.MasterToken = token
	edge := startManager(t, edgeCfg, services.Options{RunReplicator: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, edge.State("todos").AwaitInitialReplication(ctx))

	_, err = edge.Store("todos").Put(context.Background(), "task-1", map[string]interface{}{"title": "authed"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return edge.State("todos").Stats().DocumentsPushed > 0
	}, 10*time.Second, 50*time.Millisecond)
	assert.Nil(t, edge.State("todos").FatalError())
}
