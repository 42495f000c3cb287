package mcptools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// OverviewTool handles the graph_overview MCP tool.
type OverviewTool struct {
	index ActivityIndex
}

// NewOverviewTool creates an OverviewTool.
func NewOverviewTool(ix ActivityIndex) *OverviewTool {
	return &OverviewTool{index: ix}
}

// Definition returns the MCP tool definition for graph_overview.
func (t *OverviewTool) Definition() mcp.Tool {
	return mcp.NewTool("graph_overview",
		mcp.WithDescription(
			"Summarise the work graph and recorded activity: node counts by status and type, "+
				"sessions, events and the most used tools.",
		),
	)
}

// Handle processes the graph_overview tool call.
func (t *OverviewTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ov, err := t.index.Overview(ctx)
	if err != nil {
		return toolError("overview", err), nil
	}
	top, err := t.index.TopTools(ctx, 5)
	if err != nil {
		return toolError("top tools", err), nil
	}

	var b strings.Builder
	b.WriteString("## Graph Overview\n\n")
	fmt.Fprintf(&b, "- **Nodes**: %d (%d deleted)\n", ov.Nodes, ov.DeletedNodes)
	fmt.Fprintf(&b, "- **By status**: %s\n", buckets(ov.NodesByStatus))
	fmt.Fprintf(&b, "- **By type**: %s\n", buckets(ov.NodesByType))
	fmt.Fprintf(&b, "- **Edges**: %d\n", ov.Edges)
	fmt.Fprintf(&b, "- **Sessions**: %d (%d active)\n", ov.Sessions, ov.ActiveSessions)
	fmt.Fprintf(&b, "- **Events**: %d\n", ov.Events)
	if ov.LastEventAt != nil {
		fmt.Fprintf(&b, "- **Last event**: %s\n", ov.LastEventAt.Format(time.RFC3339))
	}
	if len(top) > 0 {
		b.WriteString("\n### Top tools\n\n")
		for _, c := range top {
			fmt.Fprintf(&b, "- %s: %d\n", c.Key, c.Count)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

// SessionEventsTool handles the session_events MCP tool.
type SessionEventsTool struct {
	index ActivityIndex
}

// NewSessionEventsTool creates a SessionEventsTool.
func NewSessionEventsTool(ix ActivityIndex) *SessionEventsTool {
	return &SessionEventsTool{index: ix}
}

// Definition returns the MCP tool definition for session_events.
func (t *SessionEventsTool) Definition() mcp.Tool {
	return mcp.NewTool("session_events",
		mcp.WithDescription("List one session's events in sequence order, with parent attribution."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session to list"),
		),
		mcp.WithNumber("offset",
			mcp.Description("Number of events to skip (default: 0)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum events to return (default: 50)"),
		),
	)
}

// Handle processes the session_events tool call.
func (t *SessionEventsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	offset := max(intArg(req, "offset", 0), 0)
	limit := intArg(req, "limit", 50)
	if limit <= 0 {
		limit = 50
	}

	events, err := t.index.SessionEvents(ctx, sessionID, offset, limit)
	if err != nil {
		return toolError("session events", err), nil
	}
	if len(events) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No events recorded for session %s.", sessionID)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Session %s\n\n", sessionID)
	for _, ev := range events {
		fmt.Fprintf(&b, "%d. `%s` %s [%s]", ev.Seq, ev.EventID, ev.ToolName, ev.Status)
		if ev.NodeID != "" {
			fmt.Fprintf(&b, " node=%s", ev.NodeID)
		}
		if ev.ParentEventID != "" {
			fmt.Fprintf(&b, " parent=%s", ev.ParentEventID)
		}
		if ev.InputSummary != "" {
			fmt.Fprintf(&b, ": %s", ev.InputSummary)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}
