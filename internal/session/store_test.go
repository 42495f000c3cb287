package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/testutil"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	clock := testutil.NewStepClock(testutil.Epoch, time.Minute)
	s, err := Open(filepath.Join(t.TempDir(), "sessions"), WithClock(clock.Now))
	require.NoError(t, err)
	return s
}

func TestStart_FirstSessionIsStartup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tr, err := s.Start(ctx, "s1", "claude")
	require.NoError(t, err)

	assert.Equal(t, Startup, tr.Continuity)
	assert.Nil(t, tr.Superseded)
	assert.Equal(t, ir.SessionActive, tr.Session.Status)
	assert.Equal(t, ir.SourceStartup, tr.Session.Source)
	assert.Equal(t, "claude", tr.Session.AgentID)
	assert.Equal(t, testutil.Epoch, tr.Session.StartedAt)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, tr.Session, got)
}

func TestStart_SameIDResumes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.Start(ctx, "s1", "claude")
	require.NoError(t, err)
	again, err := s.Start(ctx, "s1", "")
	require.NoError(t, err)

	assert.Equal(t, Resumed, again.Continuity)
	assert.Equal(t, first.Session.StartedAt, again.Session.StartedAt)
	assert.Equal(t, "claude", again.Session.AgentID)
}

func TestStart_AfterEndIsPostCompact(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Start(ctx, "s1", "claude")
	require.NoError(t, err)
	count := int64(7)
	ended, err := s.End(ctx, "s1", &count)
	require.NoError(t, err)
	assert.Equal(t, ir.SessionEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, int64(7), ended.EventCount)

	tr, err := s.Start(ctx, "s2", "claude")
	require.NoError(t, err)
	assert.Equal(t, PostCompact, tr.Continuity)
	assert.Equal(t, ir.SourceCompact, tr.Session.Source)
	assert.Equal(t, "s1", tr.Session.PreviousSessionID)
	assert.Nil(t, tr.Superseded)
}

func TestStart_DifferentIDSupersedesActive(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Start(ctx, "s1", "claude")
	require.NoError(t, err)
	tr, err := s.Start(ctx, "s2", "claude")
	require.NoError(t, err)

	assert.Equal(t, Startup, tr.Continuity)
	require.NotNil(t, tr.Superseded)
	assert.Equal(t, "s1", tr.Superseded.SessionID)
	assert.Equal(t, ir.SessionEnded, tr.Superseded.Status)

	prev, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ir.SessionEnded, prev.Status)
}

func TestStart_ReopensEndedSession(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Start(ctx, "s1", "")
	require.NoError(t, err)
	_, err = s.End(ctx, "s1", nil)
	require.NoError(t, err)

	tr, err := s.Start(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, Resumed, tr.Continuity)
	assert.Equal(t, ir.SessionActive, tr.Session.Status)
	assert.Nil(t, tr.Session.EndedAt)
}

func TestMarkClear_ClassifiesNextStartOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Start(ctx, "s1", "")
	require.NoError(t, err)
	require.NoError(t, s.MarkClear())

	tr, err := s.Start(ctx, "s2", "")
	require.NoError(t, err)
	assert.Equal(t, Cleared, tr.Continuity)
	assert.Equal(t, ir.SourceClear, tr.Session.Source)
	assert.Equal(t, "s1", tr.Session.PreviousSessionID)

	// The marker is consumed.
	next, err := s.Start(ctx, "s2", "")
	require.NoError(t, err)
	assert.Equal(t, Resumed, next.Continuity)
}

func TestEnd_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Start(ctx, "s1", "")
	require.NoError(t, err)
	first, err := s.End(ctx, "s1", nil)
	require.NoError(t, err)
	second, err := s.End(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, first.EndedAt, second.EndedAt)

	last, err := s.Last()
	require.NoError(t, err)
	assert.Equal(t, &LastKnown{SessionID: "s1", Ended: true}, last)
}

func TestGetAndEnd_Errors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, ir.IsNotFound(err))

	_, err = s.End(ctx, "missing", nil)
	assert.True(t, ir.IsNotFound(err))

	_, err = s.Start(ctx, "bad/id", "")
	assert.True(t, ir.IsInvalidArgument(err))
}

func TestList_OldestFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		_, err := s.Start(ctx, id, "")
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, recordsDir, "junk.json"), []byte("{"), 0o644))

	list, err := s.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, sess := range list {
		ids = append(ids, sess.SessionID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}
