package engine

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shakes-tzd/htmlgraph/internal/config"
	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/nodestore"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.Agent = "claude"
	cfg.Session = "s1"
	return cfg
}

func createTestWorkspace(t *testing.T, cfg config.Config) *Workspace {
	t.Helper()
	w, err := OpenWorkspace(context.Background(), cfg, nil, WithSyncIngest())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWorkspace_WritesReachIndex(t *testing.T) {
	cfg := testConfig(t)
	w := createTestWorkspace(t, cfg)
	ctx := context.Background()
	require.NotNil(t, w.Index)

	login, err := w.Nodes.Create(ctx, w.Actor(), ir.TypeFeature, nodestore.Fields{Title: "Login", Nonce: "n1"})
	require.NoError(t, err)
	_, err = w.Nodes.Create(ctx, w.Actor(), ir.TypeBug, nodestore.Fields{
		Title:     "Crash",
		Priority:  ir.PriorityCritical,
		DependsOn: []string{login.ID},
		Nonce:     "n2",
	})
	require.NoError(t, err)

	ov, err := w.Index.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ov.Nodes)
	assert.Equal(t, 1, ov.Edges)
	assert.Equal(t, 2, ov.Events, "each in-session mutation is journaled and ingested")

	g, err := w.Graph(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, []string{login.ID}, g.Dependencies(ir.NewID("bug", "Crash", "n2")))
}

func TestWorkspace_HardDeleteRemovesIndexRow(t *testing.T) {
	w := createTestWorkspace(t, testConfig(t))
	ctx := context.Background()

	n, err := w.Nodes.Create(ctx, ir.Actor{}, ir.TypeChore, nodestore.Fields{Title: "Tidy", Nonce: "n1"})
	require.NoError(t, err)
	_, err = w.Nodes.HardDelete(ctx, ir.Actor{}, n.ID)
	require.NoError(t, err)

	nodes, err := w.Index.Nodes(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestWorkspace_RebuildsMissingIndex(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	w, err := OpenWorkspace(ctx, cfg, nil, WithSyncIngest())
	require.NoError(t, err)
	_, err = w.Nodes.Create(ctx, w.Actor(), ir.TypeFeature, nodestore.Fields{Title: "Login", Nonce: "n1"})
	require.NoError(t, err)
	_, err = w.Recorder.StartSession(ctx, "s1", "claude")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(cfg.IndexPath() + suffix)
	}
	_, err = os.Stat(cfg.IndexPath())
	require.True(t, os.IsNotExist(err))

	w = createTestWorkspace(t, cfg)
	ov, err := w.Index.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ov.Nodes)
	assert.Equal(t, 1, ov.Sessions)
	assert.Equal(t, 1, ov.Events)
}

func TestWorkspace_SnapshotFallsBackToDocuments(t *testing.T) {
	w := createTestWorkspace(t, testConfig(t))
	ctx := context.Background()

	kept, err := w.Nodes.Create(ctx, ir.Actor{}, ir.TypeFeature, nodestore.Fields{Title: "Kept", Nonce: "n1"})
	require.NoError(t, err)
	gone, err := w.Nodes.Create(ctx, ir.Actor{}, ir.TypeFeature, nodestore.Fields{Title: "Gone", Nonce: "n2"})
	require.NoError(t, err)
	_, err = w.Nodes.Delete(ctx, ir.Actor{}, gone.ID)
	require.NoError(t, err)

	require.NoError(t, w.Index.Close())
	w.Index = nil

	nodes, err := w.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, kept.ID, nodes[0].ID)

	_, err = w.Rebuild(ctx)
	assert.Error(t, err)
}

func TestWorkspace_Actor(t *testing.T) {
	w := createTestWorkspace(t, testConfig(t))
	actor := w.Actor()
	assert.Equal(t, "s1", actor.SessionID)
	assert.Equal(t, "claude", actor.AgentID)
}
