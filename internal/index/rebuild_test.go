package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shakes-tzd/htmlgraph/internal/eventlog"
	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/nodestore"
	"github.com/Shakes-tzd/htmlgraph/internal/session"
	"github.com/Shakes-tzd/htmlgraph/internal/testutil"
)

// projector journals node events and mirrors every change into an index,
// the way the live recorder does.
type projector struct {
	t   *testing.T
	log *eventlog.Log
	ix  *Index
}

func (p *projector) Emit(ctx context.Context, ev ir.Event) (ir.Event, error) {
	stored, err := p.log.Append(ctx, ev.SessionID, ev)
	if err != nil {
		return ir.Event{}, err
	}
	require.NoError(p.t, p.ix.IngestEvent(ctx, stored))
	return stored, nil
}

func (p *projector) NodeChanged(ctx context.Context, n ir.Node) {
	require.NoError(p.t, p.ix.IngestNode(ctx, n))
}

type workspace struct {
	nodes    *nodestore.Store
	sessions *session.Store
	log      *eventlog.Log
	ix       *Index
	proj     *projector
}

func (w *workspace) sources() Sources {
	return Sources{Nodes: w.nodes, Sessions: w.sessions, Events: w.log}
}

func createTestWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	clock := testutil.NewStepClock(testutil.Epoch, time.Second)

	log, err := eventlog.Open(filepath.Join(dir, "events"), eventlog.WithClock(clock.Now))
	require.NoError(t, err)
	sessions, err := session.Open(filepath.Join(dir, "sessions"), session.WithClock(clock.Now))
	require.NoError(t, err)
	ix := createTestIndex(t)
	proj := &projector{t: t, log: log, ix: ix}
	nodes, err := nodestore.Open(filepath.Join(dir, "nodes"),
		nodestore.WithClock(clock.Now), nodestore.WithEventSink(proj), nodestore.WithIndex(ix))
	require.NoError(t, err)

	return &workspace{nodes: nodes, sessions: sessions, log: log, ix: ix, proj: proj}
}

// populateWorkspace drives a realistic mix of activity through the sources
// and the incremental path at once.
func populateWorkspace(t *testing.T, w *workspace) {
	t.Helper()
	ctx := context.Background()

	start := func(id string) {
		tr, err := w.sessions.Start(ctx, id, "agent-"+id)
		require.NoError(t, err)
		require.NoError(t, w.ix.IngestSession(ctx, tr.Session))
		if tr.Superseded != nil {
			require.NoError(t, w.ix.IngestSession(ctx, *tr.Superseded))
		}
	}
	tool := func(session, name, parent string) ir.Event {
		ev, err := w.proj.Emit(ctx, ir.Event{SessionID: session, ToolName: name, ParentEventID: parent})
		require.NoError(t, err)
		return ev
	}

	start("alpha")
	actor := ir.Actor{SessionID: "alpha", AgentID: "agent-alpha"}
	track, err := w.nodes.Create(ctx, actor, ir.TypeTrack, nodestore.Fields{Title: "Auth", Nonce: "n1"})
	require.NoError(t, err)
	login, err := w.nodes.Create(ctx, actor, ir.TypeFeature, nodestore.Fields{
		Title: "Login", Priority: ir.PriorityHigh, TrackID: track.ID, Nonce: "n2",
		Attributes: map[string]string{"component": "auth"},
	})
	require.NoError(t, err)
	crash, err := w.nodes.Create(ctx, actor, ir.TypeBug, nodestore.Fields{
		Title: "Crash on logout", Priority: ir.PriorityCritical, DependsOn: []string{login.ID}, Nonce: "n3",
	})
	require.NoError(t, err)
	read := tool("alpha", "Read", "")
	tool("alpha", "Edit", read.EventID)
	tool("alpha", "Bash", "")

	_, err = w.nodes.Update(ctx, actor, login.ID, func(n *ir.Node) error {
		n.Status = ir.StatusInProgress
		return nil
	})
	require.NoError(t, err)

	// A second session supersedes the first; a spawned child attributes
	// its work to an event of the parent.
	start("beta")
	child := ir.Actor{SessionID: "beta", ParentEventID: read.EventID}
	_, err = w.nodes.Update(ctx, child, crash.ID, func(n *ir.Node) error {
		n.Body = "Stack trace attached."
		return nil
	})
	require.NoError(t, err)
	tool("beta", "Read", "")
	tool("beta", "Grep", "evt-missing")
	_, err = w.nodes.Delete(ctx, ir.Actor{}, track.ID)
	require.NoError(t, err)

	var count int64 = 3
	ended, err := w.sessions.End(ctx, "beta", &count)
	require.NoError(t, err)
	require.NoError(t, w.ix.IngestSession(ctx, ended))
}

// indexSnapshot collects every query the dashboard and tools serve.
type indexSnapshot struct {
	Overview    Overview
	Sessions    []ir.Session
	Events      map[string][]ir.Event
	Recent      []ir.Event
	Tools       []Count
	TopNodes    []Count
	Transitions []ToolTransition
	Nodes       []ir.Node
	Children    []ir.Event
}

func takeSnapshot(t *testing.T, ix *Index, parent string) indexSnapshot {
	t.Helper()
	ctx := context.Background()
	var s indexSnapshot
	var err error

	s.Overview, err = ix.Overview(ctx)
	require.NoError(t, err)
	s.Sessions, err = ix.Sessions(ctx, 0)
	require.NoError(t, err)
	s.Events = map[string][]ir.Event{}
	for _, sess := range s.Sessions {
		s.Events[sess.SessionID], err = ix.SessionEvents(ctx, sess.SessionID, 0, 0)
		require.NoError(t, err)
	}
	s.Recent, err = ix.RecentEvents(ctx, 100)
	require.NoError(t, err)
	s.Tools, err = ix.TopTools(ctx, 0)
	require.NoError(t, err)
	s.TopNodes, err = ix.TopNodes(ctx, 0)
	require.NoError(t, err)
	s.Transitions, err = ix.ToolTransitions(ctx, 0)
	require.NoError(t, err)
	s.Nodes, err = ix.Nodes(ctx, true)
	require.NoError(t, err)
	s.Children, err = ix.ChildEvents(ctx, parent)
	require.NoError(t, err)
	return s
}

func firstEvent(t *testing.T, w *workspace, session string) string {
	t.Helper()
	events, err := w.log.Read(context.Background(), session, 0, 0)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.ToolName == "Read" {
			return ev.EventID
		}
	}
	t.Fatalf("no Read event in %s", session)
	return ""
}

func TestRebuild_MatchesIncremental(t *testing.T) {
	w := createTestWorkspace(t)
	populateWorkspace(t, w)
	parent := firstEvent(t, w, "alpha")
	incremental := takeSnapshot(t, w.ix, parent)

	require.Len(t, incremental.Sessions, 2)
	require.NotEmpty(t, incremental.Children)

	fresh := createTestIndex(t)
	stats, err := fresh.RebuildFromSource(context.Background(), w.sources())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Nodes)
	assert.Equal(t, 2, stats.Sessions)

	assert.Equal(t, incremental, takeSnapshot(t, fresh, parent))
}

func TestRebuild_InPlaceKeepsPendingOutbox(t *testing.T) {
	w := createTestWorkspace(t)
	populateWorkspace(t, w)
	ctx := context.Background()
	parent := firstEvent(t, w, "alpha")
	before := takeSnapshot(t, w.ix, parent)

	pending, err := w.ix.PendingOutbox(ctx, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	require.NoError(t, w.ix.MarkDelivered(ctx, []int64{pending[0].ID}, time.Now()))

	_, err = w.ix.RebuildFromSource(ctx, w.sources())
	require.NoError(t, err)

	assert.Equal(t, before, takeSnapshot(t, w.ix, parent))
	n, err := w.ix.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(pending)-1, n, "the outbox is left as it was")

	// Incremental ingestion keeps working against the rebuilt tables.
	_, err = w.proj.Emit(ctx, ir.Event{SessionID: "beta", ToolName: "Write"})
	require.NoError(t, err)
	ov, err := w.ix.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Overview.Events+1, ov.Events)
}

// failingJournals reads normally until it reaches fail, then runs hook and
// returns err.
type failingJournals struct {
	JournalReader
	fail string
	hook func()
	err  error
}

func (f failingJournals) Read(ctx context.Context, sessionID string, offset, limit int) ([]ir.Event, error) {
	if sessionID == f.fail {
		if f.hook != nil {
			f.hook()
		}
		return nil, f.err
	}
	return f.JournalReader.Read(ctx, sessionID, offset, limit)
}

func TestRebuild_FailureLeavesIndexIntact(t *testing.T) {
	tests := []struct {
		name   string
		cancel bool
	}{
		{name: "source error"},
		{name: "cancelled", cancel: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := createTestWorkspace(t)
			populateWorkspace(t, w)
			parent := firstEvent(t, w, "alpha")
			before := takeSnapshot(t, w.ix, parent)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			src := w.sources()
			fj := failingJournals{JournalReader: w.log, fail: "beta", err: errors.New("disk on fire")}
			if tt.cancel {
				fj.hook = cancel
				fj.err = context.Canceled
			}
			src.Events = fj

			_, err := w.ix.RebuildFromSource(ctx, src)
			require.Error(t, err)

			assert.Equal(t, before, takeSnapshot(t, w.ix, parent))
			entries, err := os.ReadDir(filepath.Dir(w.ix.Path()))
			require.NoError(t, err)
			for _, e := range entries {
				assert.False(t, strings.Contains(e.Name(), ".rebuild-"), "leftover %s", e.Name())
			}
		})
	}
}

func TestRebuild_EmptySources(t *testing.T) {
	ix := createTestIndex(t)
	require.NoError(t, ix.IngestEvent(context.Background(), testEvent("s1", 1, "Read")))

	stats, err := ix.RebuildFromSource(context.Background(), Sources{})
	require.NoError(t, err)
	assert.Equal(t, RebuildStats{}, stats)

	ov, err := ix.Overview(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ov.Events)
}

// duringList runs hook the first time the rebuild lists nodes, standing in
// for a writer that commits while the sources are being read.
type duringList struct {
	NodeLister
	hook func()
}

func (d *duringList) List(ctx context.Context) ([]ir.Node, error) {
	if d.hook != nil {
		d.hook()
		d.hook = nil
	}
	if d.NodeLister == nil {
		return nil, nil
	}
	return d.NodeLister.List(ctx)
}

func TestRebuild_KeepsWritesCommittedDuringRebuild(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		// writer returns the handle that ingests while the rebuild runs.
		writer func(t *testing.T, rebuilding *Index) *Index
	}{
		{
			name:   "same handle",
			writer: func(t *testing.T, rebuilding *Index) *Index { return rebuilding },
		},
		{
			name: "other process",
			writer: func(t *testing.T, rebuilding *Index) *Index {
				other, err := Open(rebuilding.Path())
				require.NoError(t, err)
				t.Cleanup(func() { other.Close() })
				return other
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix := createTestIndex(t)
			writer := tt.writer(t, ix)

			node := ir.Node{ID: "feat-late", Type: ir.TypeFeature, Title: "Late", Status: ir.StatusTodo,
				Priority: ir.PriorityLow, CreatedAt: testutil.Epoch, UpdatedAt: testutil.Epoch}
			lister := &duringList{hook: func() {
				require.NoError(t, writer.IngestEvent(ctx, testEvent("s1", 1, "Edit")))
				require.NoError(t, writer.IngestNode(ctx, node))
			}}

			_, err := ix.RebuildFromSource(ctx, Sources{Nodes: lister})
			require.NoError(t, err)

			events, err := ix.SessionEvents(ctx, "s1", 0, 0)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, "Edit", events[0].ToolName)

			nodes, err := ix.Nodes(ctx, true)
			require.NoError(t, err)
			require.Len(t, nodes, 1)
			assert.Equal(t, "feat-late", nodes[0].ID)

			n, err := ix.PendingCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n, "the concurrent writes are still announced once")
		})
	}
}

// hookedJournals runs hook before listing journals.
type hookedJournals struct {
	JournalReader
	hook func()
}

func (h hookedJournals) Sessions() ([]string, error) {
	h.hook()
	return h.JournalReader.Sessions()
}

func TestRebuild_ReplaysRemovalDuringRebuild(t *testing.T) {
	w := createTestWorkspace(t)
	populateWorkspace(t, w)
	ctx := context.Background()

	nodes, err := w.ix.Nodes(ctx, true)
	require.NoError(t, err)
	require.NotEmpty(t, nodes)
	gone := nodes[0].ID

	// Node documents are listed first, so the removal lands after the
	// scratch build already holds the node.
	src := w.sources()
	src.Events = hookedJournals{JournalReader: w.log, hook: func() {
		require.NoError(t, w.ix.RemoveNode(ctx, gone))
	}}

	_, err = w.ix.RebuildFromSource(ctx, src)
	require.NoError(t, err)

	after, err := w.ix.Nodes(ctx, true)
	require.NoError(t, err)
	assert.Len(t, after, len(nodes)-1)
	for _, n := range after {
		assert.NotEqual(t, gone, n.ID)
	}
}

func TestRebuild_OtherHandlesStayLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()
	serve, err := Open(path)
	require.NoError(t, err)
	defer serve.Close()
	cli, err := Open(path)
	require.NoError(t, err)
	defer cli.Close()

	_, err = cli.RebuildFromSource(ctx, Sources{})
	require.NoError(t, err)
	require.NoError(t, cli.IngestEvent(ctx, testEvent("s1", 1, "Read")))

	pending, err := serve.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "a long-lived handle sees writes made after another handle rebuilt")

	// And the other direction: the rebuilt file is the one the old handle writes.
	require.NoError(t, serve.IngestEvent(ctx, testEvent("s1", 2, "Edit")))
	events, err := cli.SessionEvents(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	for _, suffix := range []string{"", "-wal"} {
		_, err := os.Stat(path + suffix)
		assert.NoError(t, err, "index%s must not be removed under open handles", suffix)
	}
}
