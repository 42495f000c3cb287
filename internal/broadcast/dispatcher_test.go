package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shakes-tzd/htmlgraph/internal/index"
	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/testutil"
)

// fakeOutbox is an in-memory outbox.
type fakeOutbox struct {
	mu        sync.Mutex
	rows      []index.OutboxRow
	delivered map[int64]time.Time
	cutoffs   []time.Time
	markErr   error
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{delivered: map[int64]time.Time{}}
}

func (f *fakeOutbox) stage(kind, ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.rows) + 1)
	f.rows = append(f.rows, index.OutboxRow{
		ID:        id,
		Kind:      kind,
		Ref:       ref,
		Payload:   json.RawMessage(`{"ref":"` + ref + `"}`),
		CreatedAt: testutil.Epoch,
	})
}

func (f *fakeOutbox) PendingOutbox(_ context.Context, limit int) ([]index.OutboxRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []index.OutboxRow
	for _, r := range f.rows {
		if _, done := f.delivered[r.ID]; done {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeOutbox) MarkDelivered(_ context.Context, ids []int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	for _, id := range ids {
		f.delivered[id] = at
	}
	return nil
}

func (f *fakeOutbox) PruneDelivered(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 0, nil
}

func (f *fakeOutbox) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func createTestDispatcher(t *testing.T, outbox Outbox, opts ...Option) *Dispatcher {
	t.Helper()
	clock := testutil.NewStepClock(testutil.Epoch, time.Second)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewDispatcher(outbox, opts...)
}

// receive reads n messages without blocking.
func receive(t *testing.T, sub *Subscription, n int) []Message {
	t.Helper()
	var out []Message
	for i := 0; i < n; i++ {
		select {
		case msg, ok := <-sub.C:
			require.True(t, ok, "channel closed after %d messages", i)
			out = append(out, msg)
		default:
			t.Fatalf("expected %d messages, got %d", n, i)
		}
	}
	return out
}

func refs(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Ref)
	}
	return out
}

func TestPoll_DeliversToEveryObserverInOrder(t *testing.T) {
	outbox := newFakeOutbox()
	d := createTestDispatcher(t, outbox)
	a := d.Subscribe()
	b := d.Subscribe()
	require.NotEqual(t, a.ID, b.ID)

	outbox.stage(index.KindEvent, "evt-1")
	outbox.stage(index.KindNode, "feat-1")
	outbox.stage(index.KindSession, "s1")

	n, err := d.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	want := []string{"evt-1", "feat-1", "s1"}
	assert.Equal(t, want, refs(receive(t, a, 3)))
	assert.Equal(t, want, refs(receive(t, b, 3)))
	assert.Equal(t, 3, outbox.deliveredCount())
}

func TestPoll_DeliversAtMostOnce(t *testing.T) {
	outbox := newFakeOutbox()
	d := createTestDispatcher(t, outbox)
	sub := d.Subscribe()

	outbox.stage(index.KindEvent, "evt-1")
	_, err := d.Poll(context.Background())
	require.NoError(t, err)
	n, err := d.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	receive(t, sub, 1)
	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected redelivery of %s", msg.Ref)
	default:
	}
}

func TestPoll_MarksDeliveredWithoutObservers(t *testing.T) {
	outbox := newFakeOutbox()
	d := createTestDispatcher(t, outbox)

	outbox.stage(index.KindEvent, "evt-1")
	_, err := d.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, outbox.deliveredCount())

	// A late observer does not see history.
	sub := d.Subscribe()
	_, err = d.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sub.C)
}

func TestPoll_BatchSize(t *testing.T) {
	outbox := newFakeOutbox()
	d := createTestDispatcher(t, outbox, WithBatchSize(2))
	for _, ref := range []string{"a", "b", "c"} {
		outbox.stage(index.KindEvent, ref)
	}

	n, err := d.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = d.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPoll_DropsSlowObserver(t *testing.T) {
	outbox := newFakeOutbox()
	d := createTestDispatcher(t, outbox, WithBuffer(2), WithBatchSize(2))
	slow := d.Subscribe()
	fast := d.Subscribe()

	outbox.stage(index.KindEvent, "1")
	outbox.stage(index.KindEvent, "2")
	_, err := d.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, refs(receive(t, fast, 2)))

	outbox.stage(index.KindEvent, "3")
	_, err = d.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"3"}, refs(receive(t, fast, 1)), "a slow observer never delays others")
	assert.Equal(t, 1, d.Observers())

	// The slow observer keeps what it buffered, then sees the close.
	assert.Equal(t, []string{"1", "2"}, refs(receive(t, slow, 2)))
	_, ok := <-slow.C
	assert.False(t, ok)
	assert.Equal(t, 3, outbox.deliveredCount())
}

func TestPoll_MarkDeliveredError(t *testing.T) {
	outbox := newFakeOutbox()
	outbox.markErr = ir.NewError(ir.ErrCodeBusy, "index.MarkDelivered", "", "locked")
	d := createTestDispatcher(t, outbox)
	sub := d.Subscribe()

	outbox.stage(index.KindEvent, "evt-1")
	_, err := d.Poll(context.Background())
	assert.True(t, ir.IsBusy(err))
	assert.Empty(t, sub.C, "nothing is pushed until the batch is marked")

	outbox.markErr = nil
	_, err = d.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-1"}, refs(receive(t, sub, 1)))
}

func TestPoll_PrunesOncePerInterval(t *testing.T) {
	outbox := newFakeOutbox()
	d := createTestDispatcher(t, outbox, WithRetention(time.Hour))

	for i := 0; i < 3; i++ {
		_, err := d.Poll(context.Background())
		require.NoError(t, err)
	}
	require.Len(t, outbox.cutoffs, 1, "the step clock stays inside one prune interval")
	assert.Equal(t, testutil.Epoch.Add(-time.Hour), outbox.cutoffs[0])
}

func TestPoll_RetentionZeroDisablesPrune(t *testing.T) {
	outbox := newFakeOutbox()
	d := createTestDispatcher(t, outbox, WithRetention(0))
	_, err := d.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outbox.cutoffs)
}

func TestUnsubscribe(t *testing.T) {
	d := createTestDispatcher(t, newFakeOutbox())
	sub := d.Subscribe()
	d.Unsubscribe(sub.ID)
	d.Unsubscribe(sub.ID)
	d.Unsubscribe("unknown")

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Zero(t, d.Observers())
}

func TestRun_DeliversAndClosesOnCancel(t *testing.T) {
	outbox := newFakeOutbox()
	d := NewDispatcher(outbox, WithPollInterval(5*time.Millisecond))
	sub := d.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	outbox.stage(index.KindEvent, "evt-1")
	select {
	case msg := <-sub.C:
		assert.Equal(t, "evt-1", msg.Ref)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	_, ok := <-sub.C
	assert.False(t, ok, "observers are disconnected on shutdown")
}

func TestPoll_RealIndex(t *testing.T) {
	ix, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	ctx := context.Background()

	d := createTestDispatcher(t, ix)
	sub := d.Subscribe()

	ev := ir.Event{
		EventID:       "evt-abc",
		SessionID:     "s1",
		Seq:           1,
		ParentEventID: ir.RootEventID("s1"),
		ToolName:      "Read",
		Timestamp:     testutil.Epoch,
		Status:        ir.EventOK,
	}
	require.NoError(t, ix.IngestEvent(ctx, ev))
	require.NoError(t, ix.IngestEvent(ctx, ev), "re-ingesting stages nothing")

	n, err := d.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg := receive(t, sub, 1)[0]
	assert.Equal(t, index.KindEvent, msg.Kind)
	assert.Equal(t, "evt-abc", msg.Ref)

	pending, err := ix.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestPoll_EmptyBatchSkipsMark(t *testing.T) {
	outbox := newFakeOutbox()
	outbox.markErr = errors.New("boom")
	d := createTestDispatcher(t, outbox)
	n, err := d.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
