package eventlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/testutil"
)

func createTestLog(t *testing.T, opts ...Option) *Log {
	t.Helper()
	clock := testutil.NewStepClock(testutil.Epoch, time.Second)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	l, err := Open(filepath.Join(t.TempDir(), "events"), opts...)
	require.NoError(t, err)
	return l
}

func tool(name string) ir.Event {
	return ir.Event{ToolName: name}
}

func TestAppend_AssignsSequenceAndDefaults(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()

	first, err := l.Append(ctx, "sess-a", tool("Read"))
	require.NoError(t, err)
	second, err := l.Append(ctx, "sess-a", tool("Edit"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, "evt", ir.TagOf(first.EventID))
	assert.NotEqual(t, first.EventID, second.EventID)
	assert.Equal(t, "sess-a", first.SessionID)
	assert.Equal(t, ir.EventOK, first.Status)
	assert.Equal(t, testutil.Epoch, first.Timestamp)
	assert.Equal(t, ir.RootEventID("sess-a"), first.ParentEventID)

	got, err := l.Read(ctx, "sess-a", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []ir.Event{first, second}, got)
}

func TestAppend_DeterministicIDsWithNonceSource(t *testing.T) {
	ctx := context.Background()
	build := func() ir.Event {
		l := createTestLog(t, WithNonceSource(testutil.NewNonceSequence("n").Next))
		ev, err := l.Append(ctx, "sess-a", tool("Read"))
		require.NoError(t, err)
		return ev
	}
	assert.Equal(t, build().EventID, build().EventID)
	assert.Equal(t, ir.NewID("evt", "sess-a", "1", "n-0001"), build().EventID)
}

func TestAppend_ConcurrentNoLossNoDuplication(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()
	const n = 40

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, "sess-c", ir.Event{ToolName: "Bash", InputSummary: fmt.Sprintf("call %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := l.Read(ctx, "sess-c", 0, n)
	require.NoError(t, err)
	require.Len(t, events, n)

	inputs := map[string]bool{}
	ids := map[string]bool{}
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		inputs[ev.InputSummary] = true
		ids[ev.EventID] = true
	}
	assert.Len(t, inputs, n)
	assert.Len(t, ids, n)
}

func TestAppend_SeparateHandlesShareJournal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")
	a, err := Open(dir)
	require.NoError(t, err)
	b, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, l := range []*Log{a, b} {
		wg.Add(1)
		go func(l *Log) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := l.Append(ctx, "shared", tool("Write"))
				assert.NoError(t, err)
			}
		}(l)
	}
	wg.Wait()

	events, err := a.Read(ctx, "shared", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 20)
	assert.Equal(t, int64(20), events[19].Seq)
}

func TestAppend_ParentResolution(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()

	parent, err := l.Append(ctx, "sess-parent", tool("Task"))
	require.NoError(t, err)

	t.Run("existing parent in another session", func(t *testing.T) {
		child, err := l.Append(ctx, "sess-child", ir.Event{ToolName: "Read", ParentEventID: parent.EventID})
		require.NoError(t, err)
		assert.Equal(t, parent.EventID, child.ParentEventID)
	})

	t.Run("parent known only on disk", func(t *testing.T) {
		fresh, err := Open(l.Dir())
		require.NoError(t, err)
		child, err := fresh.Append(ctx, "sess-child", ir.Event{ToolName: "Read", ParentEventID: parent.EventID})
		require.NoError(t, err)
		assert.Equal(t, parent.EventID, child.ParentEventID)
	})

	t.Run("root of another session", func(t *testing.T) {
		root := ir.RootEventID("sess-parent")
		child, err := l.Append(ctx, "sess-child", ir.Event{ToolName: "Read", ParentEventID: root})
		require.NoError(t, err)
		assert.Equal(t, root, child.ParentEventID)
	})

	t.Run("unresolvable parent falls back to root", func(t *testing.T) {
		child, err := l.Append(ctx, "sess-child", ir.Event{ToolName: "Read", ParentEventID: "evt-123"})
		require.NoError(t, err)
		assert.Equal(t, ir.RootEventID("sess-child"), child.ParentEventID)
		assert.Equal(t, "evt-123", child.Context[ContextUnresolvedParent])
	})
}

func TestAppend_DoesNotMutateCallerContext(t *testing.T) {
	l := createTestLog(t)
	ctxMap := map[string]string{"k": "v"}
	_, err := l.Append(context.Background(), "s1", ir.Event{ToolName: "Read", ParentEventID: "evt-missing", Context: ctxMap})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, ctxMap)
}

func TestAppend_Validation(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "../escape", tool("Read"))
	assert.True(t, ir.IsInvalidArgument(err))

	_, err = l.Append(ctx, "", tool("Read"))
	assert.True(t, ir.IsInvalidArgument(err))

	_, err = l.Append(ctx, "s1", ir.Event{})
	assert.True(t, ir.IsInvalidArgument(err))
}

func TestAppend_TornTrailingRecord(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "s1", tool("Read"))
	require.NoError(t, err)

	// Simulate a crash halfway through a write.
	f, err := os.OpenFile(l.journalPath("s1"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":"evt-torn","seq":2,"tool_na`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := l.Read(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "torn trailing record is ignored")

	next, err := l.Append(ctx, "s1", tool("Edit"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Seq)

	events, err = l.Read(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Edit", events[1].ToolName)
}

func TestRead_SkipsCorruptMiddleRecord(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "s1", tool("Read"))
	require.NoError(t, err)
	f, err := os.OpenFile(l.journalPath("s1"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_, err = l.Append(ctx, "s1", tool("Edit"))
	require.NoError(t, err)

	events, err := l.Read(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, []int64{1, 2}, []int64{events[0].Seq, events[1].Seq})
}

func TestAppend_RebuildsMissingState(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "s1", tool("Read"))
		require.NoError(t, err)
	}
	require.NoError(t, os.Remove(statePath(l.journalPath("s1"))))

	ev, err := l.Append(ctx, "s1", tool("Read"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.Seq)
}

func TestAppend_LockTimeoutIsBusy(t *testing.T) {
	l := createTestLog(t, WithLockTimeout(30*time.Millisecond))
	ctx := context.Background()

	lock := l.journalPath("s1") + ".lock"
	meta := fmt.Sprintf(`{"pid":1,"created_at":%q}`, time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, os.WriteFile(lock, []byte(meta), 0o644))

	_, err := l.Append(ctx, "s1", tool("Read"))
	require.Error(t, err)
	assert.True(t, ir.IsBusy(err))

	// An abandoned lock is recovered.
	old := fmt.Sprintf(`{"pid":1,"created_at":%q}`, time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano))
	require.NoError(t, os.WriteFile(lock, []byte(old), 0o644))
	_, err = l.Append(ctx, "s1", tool("Read"))
	require.NoError(t, err)
}

func TestBreakStaleLock_RestoresFreshLock(t *testing.T) {
	l := createTestLog(t)
	lock := l.journalPath("s1") + ".lock"

	// A writer that saw the old lock as stale arrives after another one
	// already broke it and took a fresh lock.
	fresh := fmt.Sprintf(`{"pid":2,"created_at":%q}`, time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, os.WriteFile(lock, []byte(fresh), 0o644))
	l.breakStaleLock(lock)

	content, err := os.ReadFile(lock)
	require.NoError(t, err)
	assert.Equal(t, fresh, string(content))

	old := fmt.Sprintf(`{"pid":1,"created_at":%q}`, time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano))
	require.NoError(t, os.WriteFile(lock, []byte(old), 0o644))
	l.breakStaleLock(lock)
	_, err = os.Stat(lock)
	assert.True(t, os.IsNotExist(err))

	leftovers, err := filepath.Glob(lock + ".stale-*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRead_OffsetsAndReverse(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()
	for _, name := range []string{"A", "B", "C", "D"} {
		_, err := l.Append(ctx, "s1", tool(name))
		require.NoError(t, err)
	}

	toolNames := func(events []ir.Event) []string {
		out := make([]string, len(events))
		for i, ev := range events {
			out[i] = ev.ToolName
		}
		return out
	}

	page, err := l.Read(ctx, "s1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, toolNames(page))

	tail, err := l.Read(ctx, "s1", 4, 10)
	require.NoError(t, err)
	assert.Empty(t, tail)
	assert.NotNil(t, tail)

	rev, err := l.ReadReverse(ctx, "s1", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "C", "B"}, toolNames(rev))

	rev, err = l.ReadReverse(ctx, "s1", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, toolNames(rev))

	none, err := l.Read(ctx, "never-started", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStats(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()

	appends := []ir.Event{
		{ToolName: "Read", NodeID: "feat-1", DurationMS: 10, CostTokens: 100, AgentID: "a1"},
		{ToolName: "Edit", NodeID: "feat-1", DurationMS: 20, CostTokens: 50, AgentID: "a1"},
		{ToolName: "Read", NodeID: "bug-2", Status: ir.EventError, AgentID: "a2"},
		{ToolName: "Bash"},
	}
	for _, ev := range appends {
		_, err := l.Append(ctx, "s1", ev)
		require.NoError(t, err)
	}

	st, err := l.Stats(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, st.EventCount)
	assert.Equal(t, int64(4), st.LastSeq)
	assert.Equal(t, map[string]int{"Read": 2, "Edit": 1, "Bash": 1}, st.ByTool)
	assert.Equal(t, map[string]int{"feat-1": 2, "bug-2": 1}, st.ByNode)
	assert.Equal(t, map[ir.EventStatus]int{ir.EventOK: 3, ir.EventError: 1}, st.ByStatus)
	assert.Equal(t, map[string]int{"a1": 2, "a2": 1}, st.ByAgent)
	assert.Equal(t, int64(30), st.TotalDurationMS)
	assert.Equal(t, int64(150), st.TotalTokens)
	assert.Equal(t, testutil.Epoch, st.FirstAt)
	assert.Equal(t, testutil.Epoch.Add(3*time.Second), st.LastAt)
}

func TestSessions(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()
	for _, s := range []string{"zeta", "alpha", "mid"} {
		_, err := l.Append(ctx, s, tool("Read"))
		require.NoError(t, err)
	}
	sessions, err := l.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, sessions)
}

func TestRootEvent(t *testing.T) {
	root := RootEvent("s1")
	assert.Equal(t, ir.RootEventID("s1"), root.EventID)
	assert.Equal(t, int64(0), root.Seq)
	assert.Empty(t, root.ParentEventID)
}
