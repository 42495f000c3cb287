package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Shakes-tzd/htmlgraph/internal/eventlog"
	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/session"
)

// Indexer is the write surface of the analytics index.
type Indexer interface {
	IngestEvent(ctx context.Context, ev ir.Event) error
	IngestNode(ctx context.Context, n ir.Node) error
	RemoveNode(ctx context.Context, id string) error
	IngestSession(ctx context.Context, s ir.Session) error
}

// Default ingestion retry policy. The index already waits out short
// contention itself; these retries cover a writer holding the lock for
// longer, such as a rebuild replacing the tables.
const (
	defaultAttempts  = 3
	defaultRetryBase = 100 * time.Millisecond
)

// Recorder is the write path for agent activity. It appends events to the
// journal, records session transitions, and keeps the analytics index
// current. It implements nodestore.EventSink and nodestore.ChangeObserver.
//
// Journal and session writes are synchronous and their errors are
// returned. Index writes are best effort: a failure after retries marks
// the index stale and is logged, never returned, because the source of
// truth already holds the change.
//
// Thread-safety model:
//   - Emit, Record, NodeChanged and the session methods: safe from any
//     goroutine
//   - Run: at most one goroutine
type Recorder struct {
	log      *eventlog.Log
	sessions *session.Store
	index    Indexer

	queue      *jobQueue
	progress   Progress
	syncIngest bool

	attempts  int
	retryBase time.Duration
	logger    *slog.Logger

	stale     rate.Sometimes
	staleJobs atomic.Int64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSyncIngest makes every write update the index before returning,
// without a Run loop. Short-lived processes such as CLI commands use it.
func WithSyncIngest() Option {
	return func(r *Recorder) { r.syncIngest = true }
}

// WithRetry sets how often a failed index write is attempted and the
// initial backoff between attempts.
func WithRetry(attempts int, base time.Duration) Option {
	return func(r *Recorder) {
		r.attempts = max(attempts, 1)
		r.retryBase = base
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder creates a Recorder. index may be nil, in which case only the
// sources are written.
func NewRecorder(log *eventlog.Log, sessions *session.Store, index Indexer, opts ...Option) *Recorder {
	r := &Recorder{
		log:       log,
		sessions:  sessions,
		index:     index,
		queue:     newJobQueue(),
		attempts:  defaultAttempts,
		retryBase: defaultRetryBase,
		logger:    slog.Default(),
		stale:     rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Emit appends ev to its session's journal. It satisfies
// nodestore.EventSink.
func (r *Recorder) Emit(ctx context.Context, ev ir.Event) (ir.Event, error) {
	return r.Record(ctx, ev.SessionID, ev)
}

// Record appends ev to the journal of sessionID and schedules its
// ingestion. The returned event is the stored record.
func (r *Recorder) Record(ctx context.Context, sessionID string, ev ir.Event) (ir.Event, error) {
	stored, err := r.log.Append(ctx, sessionID, ev)
	if err != nil {
		return ir.Event{}, err
	}
	r.submit(ctx, Job{Type: JobEvent, Event: &stored})
	return stored, nil
}

// NodeChanged schedules ingestion of a committed node. It satisfies
// nodestore.ChangeObserver.
func (r *Recorder) NodeChanged(ctx context.Context, n ir.Node) {
	r.submit(ctx, Job{Type: JobNode, Node: &n})
}

// NodeRemoved schedules removal of a hard-deleted node from the index.
func (r *Recorder) NodeRemoved(ctx context.Context, id string) {
	r.submit(ctx, Job{Type: JobNodeRemoved, Node: &ir.Node{ID: id}})
}

// StartSession records the host's current session and ingests it, along
// with any session it superseded.
func (r *Recorder) StartSession(ctx context.Context, sessionID, agentID string) (session.Transition, error) {
	tr, err := r.sessions.Start(ctx, sessionID, agentID)
	if err != nil {
		return session.Transition{}, err
	}
	if tr.Superseded != nil {
		prev := *tr.Superseded
		r.submit(ctx, Job{Type: JobSession, Session: &prev})
	}
	sess := tr.Session
	r.submit(ctx, Job{Type: JobSession, Session: &sess})
	r.logger.Info("session started",
		"session", sessionID,
		"continuity", tr.Continuity,
		"previous", sess.PreviousSessionID,
	)
	return tr, nil
}

// EndSession ends a session, recording the number of events its journal
// holds.
func (r *Recorder) EndSession(ctx context.Context, sessionID string) (ir.Session, error) {
	stats, err := r.log.Stats(ctx, sessionID)
	if err != nil {
		return ir.Session{}, fmt.Errorf("count session events: %w", err)
	}
	count := int64(stats.EventCount)
	sess, err := r.sessions.End(ctx, sessionID, &count)
	if err != nil {
		return ir.Session{}, err
	}
	r.submit(ctx, Job{Type: JobSession, Session: &sess})
	r.logger.Info("session ended", "session", sessionID, "events", count)
	return sess, nil
}

// submit numbers a job and either applies it now or hands it to the Run
// loop. Once the queue is closed jobs are applied inline so none are lost.
func (r *Recorder) submit(ctx context.Context, j Job) {
	j.Seq = r.progress.Start()
	if r.index == nil {
		r.progress.Finish(j.Seq)
		return
	}
	if r.syncIngest || !r.queue.Enqueue(j) {
		r.ingest(ctx, j)
		r.progress.Finish(j.Seq)
	}
}

func (r *Recorder) apply(ctx context.Context, j Job) error {
	switch j.Type {
	case JobEvent:
		return r.index.IngestEvent(ctx, *j.Event)
	case JobNode:
		return r.index.IngestNode(ctx, *j.Node)
	case JobNodeRemoved:
		return r.index.RemoveNode(ctx, j.Node.ID)
	case JobSession:
		return r.index.IngestSession(ctx, *j.Session)
	default:
		return fmt.Errorf("unknown job type: %d", j.Type)
	}
}

// ingest applies a job, retrying BUSY with exponential backoff. Other
// errors are not retried.
func (r *Recorder) ingest(ctx context.Context, j Job) {
	backoff := r.retryBase
	var err error
	for attempt := 1; ; attempt++ {
		err = r.apply(ctx, j)
		if err == nil {
			return
		}
		if !ir.IsBusy(err) || attempt >= r.attempts {
			break
		}
		r.logger.Debug("index busy, retrying job", "seq", j.Seq, "type", j.Type, "attempt", attempt)
		if !sleep(ctx, backoff) {
			err = ctx.Err()
			break
		}
		backoff *= 2
	}

	r.staleJobs.Add(1)
	logJobError(r.logger, j, err)
	r.stale.Do(func() {
		r.logger.Warn("analytics index is stale; run `htmlgraph index rebuild` to resync",
			"stale_jobs", r.staleJobs.Load(),
		)
	})
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func logJobError(logger *slog.Logger, j Job, err error) {
	attrs := []any{"seq", j.Seq, "type", j.Type, "error", err}
	switch {
	case j.Event != nil:
		attrs = append(attrs, "event_id", j.Event.EventID, "session", j.Event.SessionID)
	case j.Node != nil:
		attrs = append(attrs, "node", j.Node.ID)
	case j.Session != nil:
		attrs = append(attrs, "session", j.Session.SessionID)
	}
	logger.Debug("index job failed", attrs...)
}

// Run applies queued jobs until ctx is cancelled or Stop is called. Jobs
// already queued at that point are still applied before Run returns.
//
// CRITICAL: Must be called from exactly ONE goroutine; jobs are applied in
// submission order.
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.Debug("recorder starting")

	for {
		if j, ok := r.queue.TryDequeue(); ok {
			r.ingest(ctx, j)
			r.progress.Finish(j.Seq)
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Debug("recorder stopping: context cancelled", "queued", r.queue.Len())
			r.queue.Close()
			r.drain(context.WithoutCancel(ctx))
			return ctx.Err()

		case <-r.queue.Wait():
			// The signal channel closes with the queue, so this fires
			// immediately once stopped.
			if r.queue.Len() == 0 && r.queue.Closed() {
				r.logger.Debug("recorder stopping: queue closed")
				return nil
			}
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		j, ok := r.queue.TryDequeue()
		if !ok {
			return
		}
		r.ingest(ctx, j)
		r.progress.Finish(j.Seq)
	}
}

// Stop closes the queue; Run returns once it is drained. Later writes are
// ingested inline.
func (r *Recorder) Stop() {
	r.queue.Close()
}

// Flush blocks until every job submitted before the call has been
// applied or abandoned.
func (r *Recorder) Flush(ctx context.Context) error {
	target := r.progress.Last()
	if r.progress.SettledThrough(target) {
		return nil
	}
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for !r.progress.SettledThrough(target) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// RecorderStats summarises ingestion progress.
type RecorderStats struct {
	Submitted int64 `json:"submitted"`
	Done      int64 `json:"done"`
	Queued    int   `json:"queued"`
	StaleJobs int64 `json:"stale_jobs"`
}

// Stats returns a snapshot of ingestion progress.
func (r *Recorder) Stats() RecorderStats {
	submitted := r.progress.Last()
	return RecorderStats{
		Submitted: submitted,
		Done:      submitted - int64(r.progress.Outstanding()),
		Queued:    r.queue.Len(),
		StaleJobs: r.staleJobs.Load(),
	}
}
