package analytics

import (
	"fmt"
	"slices"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// Bottleneck is an unfinished node that other unfinished work waits on.
type Bottleneck struct {
	ID                   string      `json:"id"`
	Title                string      `json:"title"`
	Status               ir.Status   `json:"status"`
	Priority             ir.Priority `json:"priority"`
	ImpactScore          int         `json:"impact_score"`
	DirectDependents     []string    `json:"direct_dependents"`
	TransitiveDependents []string    `json:"transitive_dependents"`
}

// Bottlenecks ranks unfinished nodes by impact score: the priority-weighted
// count of unfinished direct and transitive dependents. Nodes nothing waits
// on are omitted. Ties go to higher priority, then the older node.
func (g *Graph) Bottlenecks(topN int) []Bottleneck {
	scores := map[string]int{}
	reached := map[string][]string{}
	var ids []string
	for _, id := range g.ids {
		if g.nodes[id].Status.Terminal() {
			continue
		}
		score, deps := g.impact(id)
		if score == 0 {
			continue
		}
		scores[id], reached[id] = score, deps
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int { return g.compareRank(a, b, scores[a], scores[b]) })
	if topN > 0 && len(ids) > topN {
		ids = ids[:topN]
	}

	out := make([]Bottleneck, 0, len(ids))
	for _, id := range ids {
		n := g.nodes[id]
		direct := []string{}
		for _, d := range g.dependents[id] {
			if !g.nodes[d].Status.Terminal() {
				direct = append(direct, d)
			}
		}
		out = append(out, Bottleneck{
			ID:                   id,
			Title:                n.Title,
			Status:               n.Status,
			Priority:             n.Priority,
			ImpactScore:          scores[id],
			DirectDependents:     direct,
			TransitiveDependents: reached[id],
		})
	}
	return out
}

// Recommendation is a node an idle agent could start now.
type Recommendation struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Type        ir.NodeType `json:"type"`
	Priority    ir.Priority `json:"priority"`
	Score       int         `json:"score"`
	ImpactScore int         `json:"impact_score"`
	Reasons     []string    `json:"reasons"`
}

// candidates returns todo nodes whose dependencies are all finished.
// In-progress and explicitly blocked nodes are not offered.
func (g *Graph) candidates() []string {
	var ids []string
	for _, id := range g.ids {
		if g.nodes[id].Status == ir.StatusTodo && g.ready(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (g *Graph) readyCount() int {
	n := 0
	for _, id := range g.ids {
		st := g.nodes[id].Status
		if (st == ir.StatusTodo || st == ir.StatusInProgress) && g.ready(id) {
			n++
		}
	}
	return n
}

// RecommendNextWork returns up to agentCount ready nodes, one per agent
// slot, scored as priority weight times one plus impact score. Nodes with
// an unfinished dependency are never recommended.
func (g *Graph) RecommendNextWork(agentCount int) []Recommendation {
	if agentCount <= 0 {
		return []Recommendation{}
	}
	ids := g.candidates()
	scores := map[string]int{}
	impacts := map[string]int{}
	for _, id := range ids {
		impact, _ := g.impact(id)
		impacts[id] = impact
		scores[id] = g.nodes[id].Priority.Weight() * (1 + impact)
	}
	slices.SortFunc(ids, func(a, b string) int { return g.compareRank(a, b, scores[a], scores[b]) })
	if len(ids) > agentCount {
		ids = ids[:agentCount]
	}

	out := make([]Recommendation, 0, len(ids))
	for _, id := range ids {
		n := g.nodes[id]
		reasons := []string{fmt.Sprintf("%s priority", n.Priority)}
		if deps := g.deps[id]; len(deps) > 0 {
			reasons = append(reasons, fmt.Sprintf("all %d dependencies done", len(deps)))
		} else {
			reasons = append(reasons, "no dependencies")
		}
		if impacts[id] > 0 {
			reasons = append(reasons, fmt.Sprintf("unblocks work weighing %d", impacts[id]))
		}
		out = append(out, Recommendation{
			ID:          id,
			Title:       n.Title,
			Type:        n.Type,
			Priority:    n.Priority,
			Score:       scores[id],
			ImpactScore: impacts[id],
			Reasons:     reasons,
		})
	}
	return out
}

// ParallelPlan describes how much work can proceed at once.
type ParallelPlan struct {
	// MaxParallelism counts every unfinished node with no unresolved
	// dependency, regardless of priority. Work already in progress counts;
	// explicitly blocked nodes do not.
	MaxParallelism int `json:"max_parallelism"`
	// ReadyNow holds ready critical, high and medium nodes, best first,
	// capped at the requested number of agents.
	ReadyNow []string `json:"ready_now"`
	// Deferred holds ready nodes left out of ReadyNow.
	Deferred   []string `json:"deferred"`
	InProgress []string `json:"in_progress"`
}

// ParallelWork partitions ready work for up to maxAgents agents. A
// non-positive maxAgents means no cap.
func (g *Graph) ParallelWork(maxAgents int) ParallelPlan {
	ids := g.candidates()
	scores := map[string]int{}
	for _, id := range ids {
		impact, _ := g.impact(id)
		scores[id] = g.nodes[id].Priority.Weight() * (1 + impact)
	}
	slices.SortFunc(ids, func(a, b string) int { return g.compareRank(a, b, scores[a], scores[b]) })

	plan := ParallelPlan{
		MaxParallelism: g.readyCount(),
		ReadyNow:       []string{},
		Deferred:       []string{},
		InProgress:     []string{},
	}
	for _, id := range ids {
		urgent := g.nodes[id].Priority.Weight() >= ir.PriorityMedium.Weight()
		if urgent && (maxAgents <= 0 || len(plan.ReadyNow) < maxAgents) {
			plan.ReadyNow = append(plan.ReadyNow, id)
			continue
		}
		plan.Deferred = append(plan.Deferred, id)
	}
	for _, id := range g.ids {
		if g.nodes[id].Status == ir.StatusInProgress {
			plan.InProgress = append(plan.InProgress, id)
		}
	}
	return plan
}
