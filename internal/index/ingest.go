package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shakes-tzd/htmlgraph/internal/eventlog"
	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// Outbox row kinds.
const (
	KindEvent   = "event"
	KindNode    = "node"
	KindSession = "session"
)

// IngestEvent projects one journal record. The transaction covers exactly
// that record: the event row, the session's root and counter, and the
// outbox row announcing it. Re-ingesting a record is a no-op.
func (ix *Index) IngestEvent(ctx context.Context, ev ir.Event) error {
	return ix.withRetry(ctx, "index.IngestEvent", func(tx *sql.Tx) error {
		inserted, err := ingestEvent(ctx, tx, ev)
		if err != nil || !inserted {
			return err
		}
		return enqueue(ctx, tx, KindEvent, ev.EventID, ev, ev.Timestamp)
	})
}

// IngestNode projects a node document and its edges. Older versions never
// overwrite newer ones, so out-of-order ingestion converges.
func (ix *Index) IngestNode(ctx context.Context, n ir.Node) error {
	return ix.withRetry(ctx, "index.IngestNode", func(tx *sql.Tx) error {
		changed, err := ingestNode(ctx, tx, n)
		if err != nil || !changed {
			return err
		}
		return enqueue(ctx, tx, KindNode, n.ID, n, n.UpdatedAt)
	})
}

// RemoveNode drops a hard-deleted node and its outgoing edges.
func (ix *Index) RemoveNode(ctx context.Context, id string) error {
	return ix.withRetry(ctx, "index.RemoveNode", func(tx *sql.Tx) error {
		removed, err := removeNode(ctx, tx, id)
		if err != nil || !removed {
			return err
		}
		return enqueue(ctx, tx, KindNode, id, map[string]any{"id": id, "removed": true}, time.Now())
	})
}

func removeNode(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE src = ?`, id); err != nil {
		return false, fmt.Errorf("delete edges: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete node: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IngestSession projects a session record. The event counter is derived
// from ingested events, not copied from the record.
func (ix *Index) IngestSession(ctx context.Context, s ir.Session) error {
	return ix.withRetry(ctx, "index.IngestSession", func(tx *sql.Tx) error {
		if err := ingestSession(ctx, tx, s); err != nil {
			return err
		}
		return enqueue(ctx, tx, KindSession, s.SessionID, s, s.StartedAt)
	})
}

func ingestEvent(ctx context.Context, tx *sql.Tx, ev ir.Event) (bool, error) {
	if ev.EventID == "" || ev.SessionID == "" {
		return false, ir.NewError(ir.ErrCodeInvalidArgument, "index.IngestEvent", ev.EventID, "event and session ids are required")
	}
	// A session row exists before its first event even when the session
	// record has not been ingested yet.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, agent_id, status, source, started_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
	`, ev.SessionID, ev.AgentID, string(ir.SessionActive), string(ir.SourceStartup), ev.Timestamp.UnixNano()); err != nil {
		return false, fmt.Errorf("ensure session: %w", err)
	}
	root := eventlog.RootEvent(ev.SessionID)
	if err := insertEvent(ctx, tx, root); err != nil {
		return false, err
	}

	ctxJSON, err := marshalContext(ev.Context)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(event_id, session_id, seq, parent_event_id, agent_id, tool_name, timestamp_ns, status,
		 duration_ms, cost_tokens, input_summary, output_summary, node_id, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		ev.EventID, ev.SessionID, ev.Seq, ev.ParentEventID, ev.AgentID, ev.ToolName,
		ev.Timestamp.UnixNano(), string(ev.Status), ev.DurationMS, ev.CostTokens,
		ev.InputSummary, ev.OutputSummary, ev.NodeID, ctxJSON,
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET event_count = (SELECT COUNT(*) FROM events WHERE session_id = ? AND seq > 0)
		WHERE session_id = ?
	`, ev.SessionID, ev.SessionID); err != nil {
		return false, fmt.Errorf("update session count: %w", err)
	}
	return true, nil
}

// insertEvent writes the synthetic root. Its timestamp is zero so that
// incremental and rebuilt indexes agree regardless of ingestion order.
func insertEvent(ctx context.Context, tx *sql.Tx, root ir.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, session_id, seq, tool_name, timestamp_ns, status)
		VALUES (?, ?, 0, ?, 0, ?)
		ON CONFLICT DO NOTHING
	`, root.EventID, root.SessionID, root.ToolName, string(root.Status))
	if err != nil {
		return fmt.Errorf("insert root event: %w", err)
	}
	return nil
}

func ingestNode(ctx context.Context, tx *sql.Tx, n ir.Node) (bool, error) {
	attrs, err := marshalContext(n.Attributes)
	if err != nil {
		return false, err
	}
	var track any
	if n.TrackID != "" {
		track = n.TrackID
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO nodes
		(id, type, title, status, priority, track_id, attributes, body, deleted, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			title = excluded.title,
			status = excluded.status,
			priority = excluded.priority,
			track_id = excluded.track_id,
			attributes = excluded.attributes,
			body = excluded.body,
			deleted = excluded.deleted,
			updated_at_ns = excluded.updated_at_ns
		WHERE excluded.updated_at_ns > nodes.updated_at_ns
	`,
		n.ID, string(n.Type), n.Title, string(n.Status), string(n.Priority), track, attrs, n.Body,
		boolInt(n.Deleted), n.CreatedAt.UnixNano(), n.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("upsert node: %w", err)
	}
	changed, err := res.RowsAffected()
	if err != nil || changed == 0 {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE src = ?`, n.ID); err != nil {
		return false, fmt.Errorf("clear edges: %w", err)
	}
	for i, e := range n.Edges() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO edges (src, dst, kind, ord) VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, e.From, e.To, string(e.Kind), i); err != nil {
			return false, fmt.Errorf("insert edge: %w", err)
		}
	}
	return true, nil
}

func ingestSession(ctx context.Context, tx *sql.Tx, s ir.Session) error {
	var ended any
	if s.EndedAt != nil {
		ended = s.EndedAt.UnixNano()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions
		(session_id, agent_id, status, source, previous_session_id, started_at_ns, ended_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			source = excluded.source,
			previous_session_id = excluded.previous_session_id,
			started_at_ns = excluded.started_at_ns,
			ended_at_ns = excluded.ended_at_ns
	`, s.SessionID, s.AgentID, string(s.Status), string(s.Source), s.PreviousSessionID,
		s.StartedAt.UnixNano(), ended)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// enqueue stages a broadcast of payload in the same transaction as the
// change it announces.
func enqueue(ctx context.Context, tx *sql.Tx, kind, ref string, payload any, at time.Time) error {
	data, err := json.Marshal(Envelope{Kind: kind, Ref: ref, At: at.UTC(), Data: payload})
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (kind, ref, payload, created_at_ns) VALUES (?, ?, ?, ?)
	`, kind, ref, string(data), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func marshalContext(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode map: %w", err)
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
