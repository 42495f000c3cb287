// Package analytics computes planning metrics over the dependency graph of
// work items: bottlenecks, recommendations, parallelism, risks and impact.
//
// Every computation runs on a Graph built once from a node snapshot. The
// graph never reads from a store, so a report is consistent even while
// nodes are being edited.
//
// Edges point from a dependent to its dependency. "A depends_on B" and
// "B blocks A" both become the edge A -> B.
package analytics

import (
	"cmp"
	"slices"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// InvalidReference is an edge whose target is not a live work item.
type InvalidReference struct {
	From string      `json:"from"`
	To   string      `json:"to"`
	Kind ir.EdgeKind `json:"kind"`
}

// Graph is an immutable adjacency-list view of a node snapshot.
type Graph struct {
	nodes map[string]ir.Node
	ids   []string

	// deps[a] lists what a depends on; dependents[b] lists who depends on b.
	deps       map[string][]string
	dependents map[string][]string

	invalid []InvalidReference
}

// workItem reports whether a node takes part in planning. Tracks group
// work and session nodes record it; neither is work itself.
func workItem(n ir.Node) bool {
	return !n.Deleted && n.Type != ir.TypeTrack && n.Type != ir.TypeSession
}

// NewGraph builds a graph from a snapshot. Deleted nodes are dropped, and
// edges to nodes outside the graph are recorded as invalid references.
func NewGraph(snapshot []ir.Node) *Graph {
	g := &Graph{
		nodes:      make(map[string]ir.Node, len(snapshot)),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
	for _, n := range snapshot {
		if workItem(n) {
			g.nodes[n.ID] = n
			g.ids = append(g.ids, n.ID)
		}
	}
	slices.Sort(g.ids)
	g.ids = slices.Compact(g.ids)

	seen := make(map[[2]string]bool)
	link := func(from, to string) {
		if seen[[2]string{from, to}] {
			return
		}
		seen[[2]string{from, to}] = true
		g.deps[from] = append(g.deps[from], to)
		g.dependents[to] = append(g.dependents[to], from)
	}
	for _, id := range g.ids {
		n := g.nodes[id]
		for _, e := range n.Edges() {
			if e.Kind == ir.EdgeTrack {
				continue
			}
			if _, ok := g.nodes[e.To]; !ok {
				g.invalid = append(g.invalid, InvalidReference{From: e.From, To: e.To, Kind: e.Kind})
				continue
			}
			if e.Kind == ir.EdgeBlocks {
				link(e.To, e.From)
			} else {
				link(e.From, e.To)
			}
		}
	}
	for id := range g.deps {
		slices.Sort(g.deps[id])
	}
	for id := range g.dependents {
		slices.Sort(g.dependents[id])
	}
	return g
}

// Len returns the number of work items in the graph.
func (g *Graph) Len() int {
	return len(g.ids)
}

// Node returns a work item by id.
func (g *Graph) Node(id string) (ir.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Dependencies returns the direct dependencies of id, sorted.
func (g *Graph) Dependencies(id string) []string {
	return slices.Clone(g.deps[id])
}

// Dependents returns the direct dependents of id, sorted.
func (g *Graph) Dependents(id string) []string {
	return slices.Clone(g.dependents[id])
}

// ready reports whether every dependency of id is finished.
func (g *Graph) ready(id string) bool {
	for _, d := range g.deps[id] {
		if !g.nodes[d].Status.Terminal() {
			return false
		}
	}
	return true
}

// reachableDependents walks dependents breadth-first from id. The visited
// set makes the walk terminate on cycles; id itself is never included.
func (g *Graph) reachableDependents(id string) []string {
	visited := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.dependents[cur] {
			if visited[d] {
				continue
			}
			visited[d] = true
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	slices.Sort(out)
	return out
}

// impact is the priority-weighted count of unfinished transitive
// dependents of id.
func (g *Graph) impact(id string) (score int, dependents []string) {
	for _, d := range g.reachableDependents(id) {
		n := g.nodes[d]
		if n.Status.Terminal() {
			continue
		}
		score += n.Priority.Weight()
		dependents = append(dependents, d)
	}
	return score, dependents
}

// outstanding counts unfinished work items.
func (g *Graph) outstanding() int {
	n := 0
	for _, id := range g.ids {
		if !g.nodes[id].Status.Terminal() {
			n++
		}
	}
	return n
}

// compareRank orders by score descending, then priority, then creation
// order, then id, so rankings are total and reproducible.
func (g *Graph) compareRank(a, b string, scoreA, scoreB int) int {
	na, nb := g.nodes[a], g.nodes[b]
	if c := cmp.Compare(scoreB, scoreA); c != 0 {
		return c
	}
	if c := cmp.Compare(nb.Priority.Weight(), na.Priority.Weight()); c != 0 {
		return c
	}
	if c := na.CreatedAt.Compare(nb.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}
