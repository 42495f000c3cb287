package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

const (
	journalExt = ".jsonl"
	stateExt   = ".state.json"
)

// ContextUnresolvedParent records the parent id an event asked for when it
// could not be resolved and the event was attributed to the root instead.
const ContextUnresolvedParent = "unresolved_parent"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Log is the set of per-session journals under one directory.
//
// Log is safe for concurrent use, and any number of processes may append
// to the same journal.
type Log struct {
	dir         string
	now         func() time.Time
	nonce       func() string
	logger      *slog.Logger
	lockTimeout time.Duration
	lockRetry   time.Duration
	lockStale   time.Duration

	// known caches event ids confirmed to exist. Journals are append-only,
	// so a positive answer never goes stale.
	known sync.Map
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the time source for events appended without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithNonceSource sets the nonce mixed into generated event ids.
func WithNonceSource(next func() string) Option {
	return func(l *Log) { l.nonce = next }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithLockTimeout bounds how long Append waits for a contended journal.
func WithLockTimeout(d time.Duration) Option {
	return func(l *Log) { l.lockTimeout = d }
}

// Open returns the log stored in dir, creating the directory if needed.
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event dir: %w", err)
	}
	l := &Log{
		dir:         dir,
		now:         time.Now,
		nonce:       func() string { return uuid.Must(uuid.NewV7()).String() },
		logger:      slog.Default(),
		lockTimeout: 2 * time.Second,
		lockRetry:   5 * time.Millisecond,
		lockStale:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dir returns the journal directory.
func (l *Log) Dir() string {
	return l.dir
}

func (l *Log) journalPath(sessionID string) string {
	return filepath.Join(l.dir, sessionID+journalExt)
}

// ValidSessionID reports whether id can name a journal.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// RootEvent returns the synthetic root event of a session.
func RootEvent(sessionID string) ir.Event {
	return ir.Event{
		EventID:   ir.RootEventID(sessionID),
		SessionID: sessionID,
		Seq:       0,
		ToolName:  ir.ToolUserTurn,
		Status:    ir.EventOK,
	}
}

// Append writes ev as the next record of the session and returns it as
// stored, with its sequence number and event id filled in.
//
// The parent must name an event that already exists, in any session. An
// empty or unresolvable parent attributes the event to the session root;
// the unresolvable id is kept in the event context.
func (l *Log) Append(ctx context.Context, sessionID string, ev ir.Event) (ir.Event, error) {
	if !ValidSessionID(sessionID) {
		return ir.Event{}, ir.NewError(ir.ErrCodeInvalidArgument, "eventlog.Append", sessionID, "invalid session id")
	}
	if ev.ToolName == "" {
		return ir.Event{}, ir.NewError(ir.ErrCodeInvalidArgument, "eventlog.Append", sessionID, "tool_name is required")
	}
	if err := ctx.Err(); err != nil {
		return ir.Event{}, err
	}

	ev.SessionID = sessionID
	ev.Context = maps.Clone(ev.Context)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.Status == "" {
		ev.Status = ir.EventOK
	}
	l.resolveParent(ctx, &ev)

	journal := l.journalPath(sessionID)
	err := l.withJournalLock(journal, func() error {
		st, err := l.loadState(journal)
		if err != nil {
			return err
		}
		ev.Seq = st.LastSeq + 1
		if ev.EventID == "" {
			ev.EventID = ir.NewID("evt", sessionID, strconv.FormatInt(ev.Seq, 10), l.nonce())
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		line = append(line, '\n')
		if st.Size > 0 && !st.EndsWithNewline {
			// Isolate a torn record left by a crashed writer so it stays
			// one skippable line instead of corrupting this one.
			line = append([]byte{'\n'}, line...)
		}
		if err := appendRecord(journal, line); err != nil {
			return err
		}
		st.LastSeq = ev.Seq
		st.EventCount++
		st.Size += int64(len(line))
		st.EndsWithNewline = true
		if err := l.writeState(journal, st); err != nil {
			// The journal is authoritative; a stale sidecar is rebuilt on
			// the next append.
			l.logger.Warn("write journal state", "session", sessionID, "error", err)
		}
		return nil
	})
	if err != nil {
		return ir.Event{}, err
	}
	l.known.Store(ev.EventID, struct{}{})
	return ev, nil
}

// appendRecord performs the single write of one record and syncs it.
func appendRecord(journal string, line []byte) error {
	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	return f.Close()
}

func (l *Log) resolveParent(ctx context.Context, ev *ir.Event) {
	root := ir.RootEventID(ev.SessionID)
	requested := ev.ParentEventID
	if requested == "" || requested == root {
		ev.ParentEventID = root
		return
	}
	ok, err := l.Exists(ctx, requested)
	if err != nil {
		l.logger.Warn("parent lookup failed", "session", ev.SessionID, "parent", requested, "error", err)
	}
	if ok {
		return
	}
	l.logger.Warn("unresolved parent event, attributing to session root",
		"session", ev.SessionID, "parent", requested)
	if ev.Context == nil {
		ev.Context = map[string]string{}
	}
	ev.Context[ContextUnresolvedParent] = requested
	ev.ParentEventID = root
}

// Exists reports whether an event id is present in any journal, or is the
// root of an existing journal.
func (l *Log) Exists(ctx context.Context, eventID string) (bool, error) {
	if _, ok := l.known.Load(eventID); ok {
		return true, nil
	}
	sessions, err := l.Sessions()
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if ir.RootEventID(s) == eventID {
			l.known.Store(eventID, struct{}{})
			return true, nil
		}
	}
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		found := false
		err := l.scan(s, func(ev ir.Event) bool {
			if ev.EventID == eventID {
				found = true
				return false
			}
			return true
		})
		if err != nil {
			return false, err
		}
		if found {
			l.known.Store(eventID, struct{}{})
			return true, nil
		}
	}
	return false, nil
}
