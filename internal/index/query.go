package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/queryir"
	"github.com/Shakes-tzd/htmlgraph/internal/querysql"
)

// Overview is the dashboard summary of the whole index.
type Overview struct {
	Nodes          int            `json:"nodes"`
	DeletedNodes   int            `json:"deleted_nodes"`
	NodesByStatus  map[string]int `json:"nodes_by_status"`
	NodesByType    map[string]int `json:"nodes_by_type"`
	Edges          int            `json:"edges"`
	Sessions       int            `json:"sessions"`
	ActiveSessions int            `json:"active_sessions"`
	Events         int            `json:"events"`
	LastEventAt    *time.Time     `json:"last_event_at,omitempty"`
}

// Count is one bucket of a top-N ranking.
type Count struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
	Count int    `json:"count"`
}

// ToolTransition counts how often To directly followed From within a
// session.
type ToolTransition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// Overview returns counts across nodes, sessions and events. Deleted nodes
// are counted separately and excluded from the status and type buckets.
func (ix *Index) Overview(ctx context.Context) (Overview, error) {
	db, release, err := ix.handle()
	if err != nil {
		return Overview{}, err
	}
	defer release()

	ov := Overview{NodesByStatus: map[string]int{}, NodesByType: map[string]int{}}
	if err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(deleted), 0)
		FROM nodes
	`).Scan(&ov.Nodes, &ov.DeletedNodes); err != nil {
		return Overview{}, fmt.Errorf("count nodes: %w", err)
	}
	if err := scanBuckets(ctx, db, `SELECT status, COUNT(*) FROM nodes WHERE deleted = 0 GROUP BY status`, ov.NodesByStatus); err != nil {
		return Overview{}, err
	}
	if err := scanBuckets(ctx, db, `SELECT type, COUNT(*) FROM nodes WHERE deleted = 0 GROUP BY type`, ov.NodesByType); err != nil {
		return Overview{}, err
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&ov.Edges); err != nil {
		return Overview{}, fmt.Errorf("count edges: %w", err)
	}
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) FROM sessions
	`, string(ir.SessionActive)).Scan(&ov.Sessions, &ov.ActiveSessions); err != nil {
		return Overview{}, fmt.Errorf("count sessions: %w", err)
	}
	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(timestamp_ns) FROM events WHERE seq > 0
	`).Scan(&ov.Events, &last); err != nil {
		return Overview{}, fmt.Errorf("count events: %w", err)
	}
	if last.Valid {
		t := time.Unix(0, last.Int64).UTC()
		ov.LastEventAt = &t
	}
	return ov, nil
}

func scanBuckets(ctx context.Context, db *sql.DB, query string, into map[string]int) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("scan bucket: %w", err)
		}
		into[k] = n
	}
	return rows.Err()
}

const eventColumns = `event_id, session_id, seq, parent_event_id, agent_id, tool_name, timestamp_ns,
	status, duration_ms, cost_tokens, input_summary, output_summary, node_id, context`

// RecentEvents returns the newest events across all sessions.
func (ix *Index) RecentEvents(ctx context.Context, limit int) ([]ir.Event, error) {
	return ix.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE seq > 0
		ORDER BY timestamp_ns DESC, session_id COLLATE BINARY ASC, seq DESC
		LIMIT ?
	`, limitOr(limit, 50))
}

// SessionEvents returns a session's events in sequence order.
func (ix *Index) SessionEvents(ctx context.Context, sessionID string, offset, limit int) ([]ir.Event, error) {
	return ix.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE session_id = ? AND seq > 0
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`, sessionID, limitOr(limit, -1), max(offset, 0))
}

// NodeEvents returns events attributed to a node, oldest first.
func (ix *Index) NodeEvents(ctx context.Context, nodeID string, limit int) ([]ir.Event, error) {
	return ix.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE node_id = ? AND seq > 0
		ORDER BY timestamp_ns ASC, session_id COLLATE BINARY ASC, seq ASC
		LIMIT ?
	`, nodeID, limitOr(limit, -1))
}

// ChildEvents returns the events whose parent is parentEventID, across
// sessions, so work done by spawned processes can be drilled into.
func (ix *Index) ChildEvents(ctx context.Context, parentEventID string) ([]ir.Event, error) {
	return ix.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE parent_event_id = ? AND seq > 0
		ORDER BY timestamp_ns ASC, session_id COLLATE BINARY ASC, seq ASC
	`, parentEventID)
}

func (ix *Index) queryEvents(ctx context.Context, query string, args ...any) ([]ir.Event, error) {
	db, release, err := ix.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		var ev ir.Event
		var ts int64
		var status, ctxJSON string
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.Seq, &ev.ParentEventID, &ev.AgentID,
			&ev.ToolName, &ts, &status, &ev.DurationMS, &ev.CostTokens, &ev.InputSummary,
			&ev.OutputSummary, &ev.NodeID, &ctxJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		ev.Status = ir.EventStatus(status)
		if ctxJSON != "{}" {
			if err := json.Unmarshal([]byte(ctxJSON), &ev.Context); err != nil {
				return nil, ir.WrapError(ir.ErrCodeCorrupt, "index.queryEvents", ev.EventID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// TopTools ranks tools by number of events.
func (ix *Index) TopTools(ctx context.Context, limit int) ([]Count, error) {
	return ix.queryCounts(ctx, `
		SELECT tool_name, '', COUNT(*) AS n FROM events
		WHERE seq > 0
		GROUP BY tool_name
		ORDER BY n DESC, tool_name COLLATE BINARY ASC
		LIMIT ?
	`, limitOr(limit, 10))
}

// TopNodes ranks nodes by number of attributed events.
func (ix *Index) TopNodes(ctx context.Context, limit int) ([]Count, error) {
	return ix.queryCounts(ctx, `
		SELECT e.node_id, COALESCE(n.title, ''), COUNT(*) AS c FROM events e
		LEFT JOIN nodes n ON n.id = e.node_id
		WHERE e.seq > 0 AND e.node_id != ''
		GROUP BY e.node_id
		ORDER BY c DESC, e.node_id COLLATE BINARY ASC
		LIMIT ?
	`, limitOr(limit, 10))
}

// ToolTransitions counts consecutive tool pairs within sessions.
func (ix *Index) ToolTransitions(ctx context.Context, limit int) ([]ToolTransition, error) {
	db, release, err := ix.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, `
		WITH ordered AS (
			SELECT
				LAG(tool_name) OVER (PARTITION BY session_id ORDER BY seq) AS prev_tool,
				tool_name
			FROM events
			WHERE seq > 0
		)
		SELECT prev_tool, tool_name, COUNT(*) AS n
		FROM ordered
		WHERE prev_tool IS NOT NULL
		GROUP BY prev_tool, tool_name
		ORDER BY n DESC, prev_tool COLLATE BINARY ASC, tool_name COLLATE BINARY ASC
		LIMIT ?
	`, limitOr(limit, 20))
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []ToolTransition{}
	for rows.Next() {
		var tr ToolTransition
		if err := rows.Scan(&tr.From, &tr.To, &tr.Count); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (ix *Index) queryCounts(ctx context.Context, query string, args ...any) ([]Count, error) {
	db, release, err := ix.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	out := []Count{}
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Key, &c.Label, &c.Count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Sessions lists session rows, most recently started first.
func (ix *Index) Sessions(ctx context.Context, limit int) ([]ir.Session, error) {
	db, release, err := ix.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, `
		SELECT session_id, agent_id, status, source, previous_session_id, event_count, started_at_ns, ended_at_ns
		FROM sessions
		ORDER BY started_at_ns DESC, session_id COLLATE BINARY ASC
		LIMIT ?
	`, limitOr(limit, -1))
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []ir.Session{}
	for rows.Next() {
		var s ir.Session
		var status, source string
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&s.SessionID, &s.AgentID, &status, &source, &s.PreviousSessionID,
			&s.EventCount, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Status = ir.SessionStatus(status)
		s.Source = ir.SessionSource(source)
		s.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// QueryNodeIDs runs a node selector against the index. It satisfies the
// node store's query accelerator.
func (ix *Index) QueryNodeIDs(ctx context.Context, sel queryir.Select) ([]string, error) {
	query, params, err := querysql.NewSQLCompiler().Compile(sel)
	if err != nil {
		return nil, err
	}
	db, release, err := ix.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan node id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Nodes returns every indexed node with its edges, read in one
// transaction so the result is a consistent snapshot.
func (ix *Index) Nodes(ctx context.Context, includeDeleted bool) ([]ir.Node, error) {
	db, release, err := ix.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	// The connection begins IMMEDIATE, so this briefly excludes writers
	// from other processes too.
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, type, title, status, priority, COALESCE(track_id, ''), attributes, body, deleted,
		       created_at_ns, updated_at_ns
		FROM nodes
		WHERE deleted = 0 OR ?
		ORDER BY id COLLATE BINARY ASC
	`, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	nodes := []ir.Node{}
	pos := map[string]int{}
	for rows.Next() {
		var n ir.Node
		var typ, status, priority, attrs string
		var deleted int
		var created, updated int64
		if err := rows.Scan(&n.ID, &typ, &n.Title, &status, &priority, &n.TrackID, &attrs, &n.Body,
			&deleted, &created, &updated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Type, n.Status, n.Priority = ir.NodeType(typ), ir.Status(status), ir.Priority(priority)
		n.Deleted = deleted != 0
		n.CreatedAt = time.Unix(0, created).UTC()
		n.UpdatedAt = time.Unix(0, updated).UTC()
		if attrs != "{}" {
			if err := json.Unmarshal([]byte(attrs), &n.Attributes); err != nil {
				rows.Close()
				return nil, ir.WrapError(ir.ErrCodeCorrupt, "index.Nodes", n.ID, err)
			}
		}
		pos[n.ID] = len(nodes)
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}

	edges, err := tx.QueryContext(ctx, `
		SELECT src, dst, kind FROM edges
		WHERE kind != ?
		ORDER BY src COLLATE BINARY ASC, ord ASC
	`, string(ir.EdgeTrack))
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer edges.Close()
	for edges.Next() {
		var src, dst, kind string
		if err := edges.Scan(&src, &dst, &kind); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		i, ok := pos[src]
		if !ok {
			continue
		}
		switch ir.EdgeKind(kind) {
		case ir.EdgeDependsOn:
			nodes[i].DependsOn = append(nodes[i].DependsOn, dst)
		case ir.EdgeBlocks:
			nodes[i].Blocks = append(nodes[i].Blocks, dst)
		}
	}
	return nodes, edges.Err()
}

// limitOr returns limit, or def when limit is not positive. SQLite treats
// a negative LIMIT as no limit.
func limitOr(limit, def int) int {
	if limit > 0 {
		return limit
	}
	return def
}
