package mcptools

import (
	"github.com/mark3labs/mcp-go/server"
)

const instructions = `htmlgraph tracks agent work as a dependency graph of features, bugs,
chores and spikes, plus a journal of every tool call agents make.

Use recommend_next_work or parallel_work to decide what to pick up,
bottlenecks and assess_risks to find what is holding the graph back, and
analyze_impact before changing a widely depended-on item. graph_overview and
session_events show recorded activity. All tools are read-only.`

// New creates the MCP server with every analytics tool registered.
// activity may be nil when the index is unavailable; the activity tools are
// then omitted.
func New(version string, graphs GraphSource, activity ActivityIndex, spofThreshold int) *server.MCPServer {
	s := server.NewMCPServer(
		"htmlgraph",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	bottlenecks := NewBottlenecksTool(graphs)
	s.AddTool(bottlenecks.Definition(), bottlenecks.Handle)

	recommend := NewRecommendTool(graphs)
	s.AddTool(recommend.Definition(), recommend.Handle)

	parallel := NewParallelTool(graphs)
	s.AddTool(parallel.Definition(), parallel.Handle)

	risks := NewRiskTool(graphs, spofThreshold)
	s.AddTool(risks.Definition(), risks.Handle)

	impact := NewImpactTool(graphs)
	s.AddTool(impact.Definition(), impact.Handle)

	if activity != nil {
		overview := NewOverviewTool(activity)
		s.AddTool(overview.Definition(), overview.Handle)

		sessionEvents := NewSessionEventsTool(activity)
		s.AddTool(sessionEvents.Definition(), sessionEvents.Handle)
	}
	return s
}
