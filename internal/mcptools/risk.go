package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// RiskTool handles the assess_risks MCP tool.
type RiskTool struct {
	graphs    GraphSource
	threshold int
}

// NewRiskTool creates a RiskTool. threshold is the default single point of
// failure threshold.
func NewRiskTool(graphs GraphSource, threshold int) *RiskTool {
	return &RiskTool{graphs: graphs, threshold: threshold}
}

// Definition returns the MCP tool definition for assess_risks.
func (t *RiskTool) Definition() mcp.Tool {
	return mcp.NewTool("assess_risks",
		mcp.WithDescription(
			"Report structural risks in the work graph: single points of failure, dependency "+
				"cycles, orphaned items and edges to missing nodes.",
		),
		mcp.WithNumber("spof_threshold",
			mcp.Description(fmt.Sprintf("Open dependents above which an item is a single point of failure (default: %d)", t.threshold)),
		),
	)
}

// Handle processes the assess_risks tool call.
func (t *RiskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := t.graphs.Graph(ctx)
	if err != nil {
		return toolError("load graph", err), nil
	}
	report := g.AssessRisks(intArg(req, "spof_threshold", t.threshold))

	var b strings.Builder
	b.WriteString("## Risk Assessment\n\n")

	fmt.Fprintf(&b, "### Single points of failure (%d)\n\n", len(report.SinglePointsOfFailure))
	for _, s := range report.SinglePointsOfFailure {
		fmt.Fprintf(&b, "- **%s** %s blocks %s\n", s.ID, s.Title, idList(s.Dependents))
	}

	fmt.Fprintf(&b, "\n### Cycles (%d)\n\n", len(report.Cycles))
	for _, c := range report.Cycles {
		fmt.Fprintf(&b, "- %s\n", c.Message)
	}

	fmt.Fprintf(&b, "\n### Orphans (%d)\n\n", len(report.Orphans))
	if len(report.Orphans) > 0 {
		fmt.Fprintf(&b, "%s\n", idList(report.Orphans))
	}

	fmt.Fprintf(&b, "\n### Invalid references (%d)\n\n", len(report.InvalidReferences))
	for _, ref := range report.InvalidReferences {
		fmt.Fprintf(&b, "- %s -[%s]-> %s (missing)\n", ref.From, ref.Kind, ref.To)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// ImpactTool handles the analyze_impact MCP tool.
type ImpactTool struct {
	graphs GraphSource
}

// NewImpactTool creates an ImpactTool.
func NewImpactTool(graphs GraphSource) *ImpactTool {
	return &ImpactTool{graphs: graphs}
}

// Definition returns the MCP tool definition for analyze_impact.
func (t *ImpactTool) Definition() mcp.Tool {
	return mcp.NewTool("analyze_impact",
		mcp.WithDescription(
			"Show everything that transitively depends on one work item and what share of the "+
				"outstanding work finishing it would unblock.",
		),
		mcp.WithString("node_id",
			mcp.Required(),
			mcp.Description("The work item to analyse"),
		),
	)
}

// Handle processes the analyze_impact tool call.
func (t *ImpactTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("node_id", "")
	if id == "" {
		return mcp.NewToolResultError("'node_id' is required"), nil
	}
	g, err := t.graphs.Graph(ctx)
	if err != nil {
		return toolError("load graph", err), nil
	}
	impact, err := g.AnalyzeImpact(id)
	if ir.IsNotFound(err) {
		return mcp.NewToolResultError(fmt.Sprintf("node %s not found", id)), nil
	}
	if err != nil {
		return toolError("impact analysis", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Impact of %s\n\n", impact.ID)
	fmt.Fprintf(&b, "- **Direct dependents**: %s\n", idList(impact.DirectDependents))
	fmt.Fprintf(&b, "- **Transitive dependents**: %s\n", idList(impact.TransitiveDependents))
	fmt.Fprintf(&b, "- **Total impact**: %d\n", impact.TotalImpact)
	fmt.Fprintf(&b, "- **Outstanding nodes**: %d\n", impact.OutstandingNodes)
	fmt.Fprintf(&b, "- **Completion impact**: %.2f%%\n", impact.CompletionImpact)
	return mcp.NewToolResultText(b.String()), nil
}
