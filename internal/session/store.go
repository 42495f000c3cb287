// Package session tracks session lifecycle and the attribution handed from
// a parent process to its children.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

const (
	lastFile   = "last.json"
	clearFile  = ".clear"
	recordExt  = ".json"
	recordsDir = "records"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Store persists session records as JSON documents under
// <dir>/records/<id>.json, together with the last-known session pointer
// and the clear marker. Sessions are never deleted.
type Store struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open prepares a session store in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, recordsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &Store{dir: dir, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Transition is the outcome of starting a session.
type Transition struct {
	Session    ir.Session `json:"session"`
	Continuity Continuity `json:"continuity"`
	// Superseded is the previous session ended implicitly by this start.
	Superseded *ir.Session `json:"superseded,omitempty"`
}

// Start records the session the host reports as current and classifies it
// against the last known session. Calling Start again with the same id is
// a resume.
func (s *Store) Start(ctx context.Context, sessionID, agentID string) (Transition, error) {
	if !idPattern.MatchString(sessionID) {
		return Transition{}, ir.NewError(ir.ErrCodeInvalidArgument, "session.Start", sessionID, "invalid session id")
	}
	if err := ctx.Err(); err != nil {
		return Transition{}, err
	}

	last, err := s.lastKnown()
	if err != nil {
		return Transition{}, err
	}
	cleared := s.clearMarked()
	c := Classify(sessionID, last, cleared)
	s.logger.Debug("session continuity", "session", sessionID, "continuity", c)

	now := s.now().UTC()
	var tr Transition
	tr.Continuity = c

	if last != nil && last.SessionID != "" && last.SessionID != sessionID && !last.Ended {
		prev, err := s.end(last.SessionID, now, nil)
		switch {
		case err == nil:
			tr.Superseded = &prev
		case ir.IsNotFound(err):
		default:
			return Transition{}, err
		}
	}

	sess, err := s.Get(ctx, sessionID)
	switch {
	case err == nil:
		sess.Status = ir.SessionActive
		sess.EndedAt = nil
		if agentID != "" {
			sess.AgentID = agentID
		}
	case ir.IsNotFound(err):
		sess = ir.Session{
			SessionID: sessionID,
			AgentID:   agentID,
			Status:    ir.SessionActive,
			Source:    c.Source(),
			StartedAt: now,
		}
		if last != nil && last.SessionID != sessionID {
			sess.PreviousSessionID = last.SessionID
		}
	default:
		return Transition{}, err
	}
	if err := s.writeRecord(sess); err != nil {
		return Transition{}, err
	}
	if err := s.writeLast(LastKnown{SessionID: sessionID}); err != nil {
		return Transition{}, err
	}
	if cleared {
		if err := os.Remove(filepath.Join(s.dir, clearFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("remove clear marker", "error", err)
		}
	}
	tr.Session = sess
	return tr, nil
}

// End marks a session ended. eventCount, when non-nil, records the final
// number of events. Ending an ended session is a no-op.
func (s *Store) End(ctx context.Context, sessionID string, eventCount *int64) (ir.Session, error) {
	if err := ctx.Err(); err != nil {
		return ir.Session{}, err
	}
	sess, err := s.end(sessionID, s.now().UTC(), eventCount)
	if err != nil {
		return ir.Session{}, err
	}
	last, err := s.lastKnown()
	if err != nil {
		return ir.Session{}, err
	}
	if last != nil && last.SessionID == sessionID {
		if err := s.writeLast(LastKnown{SessionID: sessionID, Ended: true}); err != nil {
			return ir.Session{}, err
		}
	}
	return sess, nil
}

func (s *Store) end(sessionID string, at time.Time, eventCount *int64) (ir.Session, error) {
	sess, err := s.Get(context.Background(), sessionID)
	if err != nil {
		return ir.Session{}, err
	}
	if eventCount != nil {
		sess.EventCount = *eventCount
	}
	if sess.Status != ir.SessionEnded {
		sess.Status = ir.SessionEnded
		sess.EndedAt = &at
	}
	if err := s.writeRecord(sess); err != nil {
		return ir.Session{}, err
	}
	return sess, nil
}

// MarkClear leaves the marker that classifies the next start as Cleared.
func (s *Store) MarkClear() error {
	return os.WriteFile(filepath.Join(s.dir, clearFile), []byte(s.now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

func (s *Store) clearMarked() bool {
	_, err := os.Stat(filepath.Join(s.dir, clearFile))
	return err == nil
}

// Last returns the last known session, or nil when there is none.
func (s *Store) Last() (*LastKnown, error) {
	return s.lastKnown()
}

func (s *Store) lastKnown() (*LastKnown, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, lastFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read last session: %w", err)
	}
	var last LastKnown
	if err := json.Unmarshal(data, &last); err != nil {
		s.logger.Warn("ignoring corrupt last-session pointer", "error", err)
		return nil, nil
	}
	return &last, nil
}

func (s *Store) writeLast(last LastKnown) error {
	return writeJSON(filepath.Join(s.dir, lastFile), last)
}

// Get returns a session record.
func (s *Store) Get(_ context.Context, sessionID string) (ir.Session, error) {
	if !idPattern.MatchString(sessionID) {
		return ir.Session{}, ir.NewError(ir.ErrCodeInvalidArgument, "session.Get", sessionID, "invalid session id")
	}
	data, err := os.ReadFile(s.recordPath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return ir.Session{}, ir.NewError(ir.ErrCodeNotFound, "session.Get", sessionID, "no such session")
	}
	if err != nil {
		return ir.Session{}, fmt.Errorf("read session: %w", err)
	}
	var sess ir.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return ir.Session{}, ir.WrapError(ir.ErrCodeCorrupt, "session.Get", sessionID, err)
	}
	return sess, nil
}

// List returns every session record, oldest first. Corrupt records are
// logged and skipped.
func (s *Store) List(ctx context.Context) ([]ir.Session, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, recordsDir))
	if err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	var out []ir.Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		sess, err := s.Get(ctx, strings.TrimSuffix(name, recordExt))
		if err != nil {
			s.logger.Warn("skipping session record", "file", name, "error", err)
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, recordsDir, id+recordExt)
}

func (s *Store) writeRecord(sess ir.Session) error {
	return writeJSON(s.recordPath(sess.SessionID), sess)
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
