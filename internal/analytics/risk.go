package analytics

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// DefaultSPOFThreshold is the dependent count a node must exceed to be a
// single point of failure.
const DefaultSPOFThreshold = 2

// SinglePointOfFailure is an unfinished node with many direct dependents.
type SinglePointOfFailure struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Dependents []string `json:"dependents"`
}

// Cycle is a dependency loop. Path starts at its smallest id and repeats it
// at the end: ["a", "b", "c", "a"].
type Cycle struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
}

// RiskReport collects structural problems in the graph. Nothing is repaired.
type RiskReport struct {
	SinglePointsOfFailure []SinglePointOfFailure `json:"single_points_of_failure"`
	Cycles                []Cycle                `json:"cycles"`
	Orphans               []string               `json:"orphans"`
	InvalidReferences     []InvalidReference     `json:"invalid_references"`
}

// AssessRisks reports single points of failure (more than threshold
// direct unfinished dependents), dependency cycles, orphans with no edges
// at all, and edges to missing nodes. A negative threshold selects
// DefaultSPOFThreshold.
func (g *Graph) AssessRisks(threshold int) RiskReport {
	if threshold < 0 {
		threshold = DefaultSPOFThreshold
	}
	report := RiskReport{
		SinglePointsOfFailure: []SinglePointOfFailure{},
		Cycles:                g.cycles(),
		Orphans:               []string{},
		InvalidReferences:     slices.Clone(g.invalid),
	}
	if report.InvalidReferences == nil {
		report.InvalidReferences = []InvalidReference{}
	}

	for _, id := range g.ids {
		n := g.nodes[id]
		if len(g.deps[id]) == 0 && len(g.dependents[id]) == 0 {
			report.Orphans = append(report.Orphans, id)
		}
		if n.Status.Terminal() {
			continue
		}
		var open []string
		for _, d := range g.dependents[id] {
			if !g.nodes[d].Status.Terminal() {
				open = append(open, d)
			}
		}
		if len(open) > threshold {
			report.SinglePointsOfFailure = append(report.SinglePointsOfFailure,
				SinglePointOfFailure{ID: id, Title: n.Title, Dependents: open})
		}
	}
	slices.SortFunc(report.SinglePointsOfFailure, func(a, b SinglePointOfFailure) int {
		if c := len(b.Dependents) - len(a.Dependents); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return report
}

// DFS colours.
const (
	white = iota
	grey
	black
)

// cycles runs a three-colour depth-first search. Every back edge to a grey
// node closes a cycle; the path is read off the current stack. Cycles found
// from different entry points are deduplicated by rotation.
func (g *Graph) cycles() []Cycle {
	color := make(map[string]int, len(g.ids))
	var stack []string
	seen := map[string]bool{}
	out := []Cycle{}

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range g.deps[id] {
			switch color[next] {
			case white:
				visit(next)
			case grey:
				start := slices.Index(stack, next)
				path := rotate(slices.Clone(stack[start:]))
				key := strings.Join(path, "\x00")
				if seen[key] {
					continue
				}
				seen[key] = true
				path = append(path, path[0])
				out = append(out, Cycle{
					Path:    path,
					Message: fmt.Sprintf("dependency cycle: %s", strings.Join(path, " -> ")),
				})
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}
	for _, id := range g.ids {
		if color[id] == white {
			visit(id)
		}
	}
	return out
}

// rotate turns a cycle so it starts at its smallest id.
func rotate(path []string) []string {
	i := slices.Index(path, slices.Min(path))
	return slices.Concat(path[i:], path[:i])
}

// Impact describes what finishing, or failing to finish, a node affects.
type Impact struct {
	ID                   string   `json:"id"`
	DirectDependents     []string `json:"direct_dependents"`
	TransitiveDependents []string `json:"transitive_dependents"`
	TotalImpact          int      `json:"total_impact"`
	OutstandingNodes     int      `json:"outstanding_nodes"`
	// CompletionImpact is TotalImpact as a percentage of outstanding
	// nodes, rounded to two decimals.
	CompletionImpact float64 `json:"completion_impact"`
}

// AnalyzeImpact reports the nodes that depend on id directly and
// transitively. Cycles through id are walked once.
func (g *Graph) AnalyzeImpact(id string) (Impact, error) {
	if _, ok := g.nodes[id]; !ok {
		return Impact{}, ir.NewError(ir.ErrCodeNotFound, "analytics.AnalyzeImpact", id, "node not in graph")
	}
	reach := g.reachableDependents(id)
	imp := Impact{
		ID:                   id,
		DirectDependents:     g.Dependents(id),
		TransitiveDependents: reach,
		TotalImpact:          len(reach),
		OutstandingNodes:     g.outstanding(),
	}
	if imp.DirectDependents == nil {
		imp.DirectDependents = []string{}
	}
	if imp.TransitiveDependents == nil {
		imp.TransitiveDependents = []string{}
	}
	if imp.OutstandingNodes > 0 {
		pct := float64(imp.TotalImpact) / float64(imp.OutstandingNodes) * 100
		imp.CompletionImpact = math.Round(pct*100) / 100
	}
	return imp, nil
}
