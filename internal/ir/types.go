package ir

import (
	"maps"
	"slices"
	"time"
)

// NodeType names a kind of work item.
type NodeType string

const (
	TypeFeature NodeType = "feature"
	TypeBug     NodeType = "bug"
	TypeChore   NodeType = "chore"
	TypeSpike   NodeType = "spike"
	TypeEpic    NodeType = "epic"
	TypeTrack   NodeType = "track"
	TypeSession NodeType = "session"
)

// NodeTypes lists every known node type in directory order.
var NodeTypes = []NodeType{
	TypeBug, TypeChore, TypeEpic, TypeFeature, TypeSession, TypeSpike, TypeTrack,
}

// Status is the lifecycle state of a node.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further work is expected on the node.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Priority orders work items.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight returns the numeric weight used by planning analytics.
// Unknown priorities weigh the same as low.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// EdgeKind names a directed relation between nodes.
type EdgeKind string

const (
	// EdgeDependsOn: From cannot finish before To.
	EdgeDependsOn EdgeKind = "depends_on"
	// EdgeBlocks: From must finish before To. Equivalent to To depends_on From.
	EdgeBlocks EdgeKind = "blocks"
	// EdgeTrack: From belongs to the track To.
	EdgeTrack EdgeKind = "belongs_to_track"
)

// Edge is a directed relation as declared on the From node.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// Node is a persisted work item.
type Node struct {
	ID         string            `json:"id"`
	Type       NodeType          `json:"type"`
	Title      string            `json:"title"`
	Status     Status            `json:"status"`
	Priority   Priority          `json:"priority"`
	TrackID    string            `json:"track_id,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Blocks     []string          `json:"blocks,omitempty"`
	Body       string            `json:"body,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Edges returns the relations declared on the node in a stable order:
// depends_on, blocks, then the track.
func (n Node) Edges() []Edge {
	var edges []Edge
	for _, to := range n.DependsOn {
		edges = append(edges, Edge{From: n.ID, To: to, Kind: EdgeDependsOn})
	}
	for _, to := range n.Blocks {
		edges = append(edges, Edge{From: n.ID, To: to, Kind: EdgeBlocks})
	}
	if n.TrackID != "" {
		edges = append(edges, Edge{From: n.ID, To: n.TrackID, Kind: EdgeTrack})
	}
	return edges
}

// Clone returns a deep copy, so mutators never alias stored state.
func (n Node) Clone() Node {
	c := n
	c.DependsOn = slices.Clone(n.DependsOn)
	c.Blocks = slices.Clone(n.Blocks)
	c.Attributes = maps.Clone(n.Attributes)
	return c
}

// EventStatus is the outcome of an agent action.
type EventStatus string

const (
	EventOK      EventStatus = "ok"
	EventError   EventStatus = "error"
	EventStarted EventStatus = "started"
)

// Tool names recorded for store mutations and synthetic records.
const (
	ToolNodeCreate = "NodeCreate"
	ToolNodeUpdate = "NodeUpdate"
	ToolNodeDelete = "NodeDelete"
	ToolUserTurn   = "UserTurn"
)

// Event is one recorded agent action.
type Event struct {
	EventID       string            `json:"event_id"`
	SessionID     string            `json:"session_id"`
	Seq           int64             `json:"seq"`
	ParentEventID string            `json:"parent_event_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	ToolName      string            `json:"tool_name"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        EventStatus       `json:"status,omitempty"`
	DurationMS    int64             `json:"duration_ms,omitempty"`
	CostTokens    int64             `json:"cost_tokens,omitempty"`
	InputSummary  string            `json:"input_summary,omitempty"`
	OutputSummary string            `json:"output_summary,omitempty"`
	NodeID        string            `json:"node_id,omitempty"`
	Context       map[string]string `json:"context,omitempty"`
}

// RootEventID returns the id of the synthetic root event of a session.
// Events without resolvable parent context attribute to it.
func RootEventID(sessionID string) string {
	return NewID("evt", sessionID, "root")
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// SessionSource records how a session began.
type SessionSource string

const (
	SourceStartup SessionSource = "startup"
	SourceResume  SessionSource = "resume"
	SourceCompact SessionSource = "compact"
	SourceClear   SessionSource = "clear"
)

// Session is one continuous unit of agent activity.
type Session struct {
	SessionID         string        `json:"session_id"`
	AgentID           string        `json:"agent_id,omitempty"`
	Status            SessionStatus `json:"status"`
	Source            SessionSource `json:"source"`
	PreviousSessionID string        `json:"previous_session_id,omitempty"`
	EventCount        int64         `json:"event_count"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
}

// Actor carries the session and attribution context of a caller. It is
// passed explicitly to every mutating call. The zero Actor means the call
// is not part of an agent session and records no event.
type Actor struct {
	SessionID     string `json:"session_id"`
	AgentID       string `json:"agent_id,omitempty"`
	ParentEventID string `json:"parent_event_id,omitempty"`
}

// InSession reports whether the actor belongs to a session.
func (a Actor) InSession() bool {
	return a.SessionID != ""
}

// Parent returns the parent event for new events: the explicit parent when
// set, the session root otherwise.
func (a Actor) Parent() string {
	if a.ParentEventID != "" {
		return a.ParentEventID
	}
	return RootEventID(a.SessionID)
}
