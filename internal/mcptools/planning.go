package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// BottlenecksTool handles the bottlenecks MCP tool.
type BottlenecksTool struct {
	graphs GraphSource
}

// NewBottlenecksTool creates a BottlenecksTool.
func NewBottlenecksTool(graphs GraphSource) *BottlenecksTool {
	return &BottlenecksTool{graphs: graphs}
}

// Definition returns the MCP tool definition for bottlenecks.
func (t *BottlenecksTool) Definition() mcp.Tool {
	return mcp.NewTool("bottlenecks",
		mcp.WithDescription(
			"Rank unfinished work items by how much open work they transitively block, "+
				"weighted by the priority of the blocked items.",
		),
		mcp.WithNumber("top_n",
			mcp.Description("Number of bottlenecks to return (default: 5)"),
		),
	)
}

// Handle processes the bottlenecks tool call.
func (t *BottlenecksTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := t.graphs.Graph(ctx)
	if err != nil {
		return toolError("load graph", err), nil
	}
	found := g.Bottlenecks(intArg(req, "top_n", 5))
	if len(found) == 0 {
		return mcp.NewToolResultText("No bottlenecks: no unfinished item blocks other open work."), nil
	}

	var b strings.Builder
	b.WriteString("## Bottlenecks\n\n")
	for i, bn := range found {
		fmt.Fprintf(&b, "%d. **%s** %s (%s, %s) impact %d\n", i+1, bn.ID, bn.Title, bn.Status, bn.Priority, bn.ImpactScore)
		fmt.Fprintf(&b, "   - blocks directly: %s\n", idList(bn.DirectDependents))
		fmt.Fprintf(&b, "   - blocks transitively: %d items\n", len(bn.TransitiveDependents))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// RecommendTool handles the recommend_next_work MCP tool.
type RecommendTool struct {
	graphs GraphSource
}

// NewRecommendTool creates a RecommendTool.
func NewRecommendTool(graphs GraphSource) *RecommendTool {
	return &RecommendTool{graphs: graphs}
}

// Definition returns the MCP tool definition for recommend_next_work.
func (t *RecommendTool) Definition() mcp.Tool {
	return mcp.NewTool("recommend_next_work",
		mcp.WithDescription(
			"Recommend ready work items (todo, every dependency finished) ranked by priority "+
				"and the work they unblock, with the reasons for each pick.",
		),
		mcp.WithNumber("agent_count",
			mcp.Description("Number of agents to recommend work for (default: 1)"),
		),
	)
}

// Handle processes the recommend_next_work tool call.
func (t *RecommendTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := t.graphs.Graph(ctx)
	if err != nil {
		return toolError("load graph", err), nil
	}
	recs := g.RecommendNextWork(intArg(req, "agent_count", 1))
	if len(recs) == 0 {
		return mcp.NewToolResultText("No ready work: every todo item is waiting on unfinished dependencies."), nil
	}

	var b strings.Builder
	b.WriteString("## Recommended Next Work\n\n")
	for i, r := range recs {
		fmt.Fprintf(&b, "%d. **%s** %s (%s, %s) score %d\n", i+1, r.ID, r.Title, r.Type, r.Priority, r.Score)
		for _, reason := range r.Reasons {
			fmt.Fprintf(&b, "   - %s\n", reason)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

// ParallelTool handles the parallel_work MCP tool.
type ParallelTool struct {
	graphs GraphSource
}

// NewParallelTool creates a ParallelTool.
func NewParallelTool(graphs GraphSource) *ParallelTool {
	return &ParallelTool{graphs: graphs}
}

// Definition returns the MCP tool definition for parallel_work.
func (t *ParallelTool) Definition() mcp.Tool {
	return mcp.NewTool("parallel_work",
		mcp.WithDescription(
			"Split ready work into what agents can start now and what is deferred, "+
				"and list work already in progress.",
		),
		mcp.WithNumber("max_agents",
			mcp.Description("Maximum concurrent agents; 0 means no cap (default: 0)"),
		),
	)
}

// Handle processes the parallel_work tool call.
func (t *ParallelTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := t.graphs.Graph(ctx)
	if err != nil {
		return toolError("load graph", err), nil
	}
	plan := g.ParallelWork(intArg(req, "max_agents", 0))

	var b strings.Builder
	b.WriteString("## Parallel Work\n\n")
	fmt.Fprintf(&b, "- **Max parallelism**: %d\n", plan.MaxParallelism)
	fmt.Fprintf(&b, "- **Ready now**: %s\n", idList(plan.ReadyNow))
	fmt.Fprintf(&b, "- **Deferred**: %s\n", idList(plan.Deferred))
	fmt.Fprintf(&b, "- **In progress**: %s\n", idList(plan.InProgress))
	return mcp.NewToolResultText(b.String()), nil
}
