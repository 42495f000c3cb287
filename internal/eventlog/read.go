package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// decodeRecords parses journal bytes. A final line without a newline is a
// torn write and is ignored; other malformed lines are logged and skipped.
func (l *Log) decodeRecords(journal string, data []byte) []ir.Event {
	var events []ir.Event
	lineNo := 0
	for len(data) > 0 {
		lineNo++
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			l.logger.Debug("ignoring truncated trailing record", "journal", filepath.Base(journal), "line", lineNo)
			break
		}
		line := bytes.TrimSpace(data[:i])
		data = data[i+1:]
		if len(line) == 0 {
			continue
		}
		var ev ir.Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.EventID == "" {
			l.logger.Warn("skipping corrupt event record", "journal", filepath.Base(journal), "line", lineNo, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// readSession returns every record of a session in sequence order. A
// session without a journal has no events.
func (l *Log) readSession(sessionID string) ([]ir.Event, error) {
	if !ValidSessionID(sessionID) {
		return nil, ir.NewError(ir.ErrCodeInvalidArgument, "eventlog.Read", sessionID, "invalid session id")
	}
	journal := l.journalPath(sessionID)
	data, err := os.ReadFile(journal)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	events := l.decodeRecords(journal, data)
	// Appends are serialised, so file order is sequence order; sort anyway
	// in case a journal was concatenated by hand.
	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

func (l *Log) scan(sessionID string, fn func(ir.Event) bool) error {
	events, err := l.readSession(sessionID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if !fn(ev) {
			return nil
		}
	}
	return nil
}

// Read returns up to limit events starting at offset, in sequence order.
// An offset past the end returns an empty slice without waiting, which is
// how callers tail a journal. limit <= 0 means no limit.
func (l *Log) Read(ctx context.Context, sessionID string, offset, limit int) ([]ir.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	events, err := l.readSession(sessionID)
	if err != nil {
		return nil, err
	}
	return window(events, offset, limit), nil
}

// ReadReverse returns up to limit events newest first, skipping the newest
// offset events.
func (l *Log) ReadReverse(ctx context.Context, sessionID string, offset, limit int) ([]ir.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	events, err := l.readSession(sessionID)
	if err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return window(events, offset, limit), nil
}

func window(events []ir.Event, offset, limit int) []ir.Event {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(events) {
		return []ir.Event{}
	}
	events = events[offset:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

// Sessions lists the sessions that have a journal, sorted by id.
func (l *Log) Sessions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read event dir: %w", err)
	}
	var sessions []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, journalExt) {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(name, journalExt))
	}
	sort.Strings(sessions)
	return sessions, nil
}

// Stats aggregates one session.
type Stats struct {
	SessionID       string                 `json:"session_id"`
	EventCount      int                    `json:"event_count"`
	LastSeq         int64                  `json:"last_seq"`
	ByTool          map[string]int         `json:"by_tool"`
	ByNode          map[string]int         `json:"by_node"`
	ByStatus        map[ir.EventStatus]int `json:"by_status"`
	ByAgent         map[string]int         `json:"by_agent"`
	TotalDurationMS int64                  `json:"total_duration_ms"`
	TotalTokens     int64                  `json:"total_tokens"`
	FirstAt         time.Time              `json:"first_at"`
	LastAt          time.Time              `json:"last_at"`
}

// Stats computes per-tool, per-node, per-status and per-agent histograms
// in one pass over the journal. Repeated queries belong on the index.
func (l *Log) Stats(ctx context.Context, sessionID string) (Stats, error) {
	st := Stats{
		SessionID: sessionID,
		ByTool:    map[string]int{},
		ByNode:    map[string]int{},
		ByStatus:  map[ir.EventStatus]int{},
		ByAgent:   map[string]int{},
	}
	if err := ctx.Err(); err != nil {
		return st, err
	}
	err := l.scan(sessionID, func(ev ir.Event) bool {
		st.EventCount++
		st.LastSeq = max(st.LastSeq, ev.Seq)
		st.ByTool[ev.ToolName]++
		if ev.NodeID != "" {
			st.ByNode[ev.NodeID]++
		}
		st.ByStatus[ev.Status]++
		if ev.AgentID != "" {
			st.ByAgent[ev.AgentID]++
		}
		st.TotalDurationMS += ev.DurationMS
		st.TotalTokens += ev.CostTokens
		if st.FirstAt.IsZero() || ev.Timestamp.Before(st.FirstAt) {
			st.FirstAt = ev.Timestamp
		}
		if ev.Timestamp.After(st.LastAt) {
			st.LastAt = ev.Timestamp
		}
		return true
	})
	return st, err
}
