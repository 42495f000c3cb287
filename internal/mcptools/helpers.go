// Package mcptools exposes the read-only analytics surface as MCP tools.
//
// Each tool follows the same pattern:
//   - a struct holding its dependencies, injected via constructor
//   - Definition() returns the mcp.Tool schema
//   - Handle() processes the request and returns a markdown result
//
// Tools never mutate the graph. Failures are reported as tool errors, not
// protocol errors, so the agent sees the message.
package mcptools

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Shakes-tzd/htmlgraph/internal/analytics"
	"github.com/Shakes-tzd/htmlgraph/internal/index"
	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// GraphSource builds a dependency graph from a fresh snapshot.
type GraphSource interface {
	Graph(ctx context.Context) (*analytics.Graph, error)
}

// ActivityIndex is the index read surface used by the activity tools.
type ActivityIndex interface {
	Overview(ctx context.Context) (index.Overview, error)
	TopTools(ctx context.Context, limit int) ([]index.Count, error)
	SessionEvents(ctx context.Context, sessionID string, offset, limit int) ([]ir.Event, error)
}

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func toolError(what string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", what, err))
}

// buckets renders a histogram as "k1 n1, k2 n2" in key order.
func buckets(m map[string]int) string {
	if len(m) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		parts = append(parts, fmt.Sprintf("%s %d", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

func idList(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}
