package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/testutil"
)

// builder assembles snapshots with increasing creation times.
type builder struct {
	nodes []ir.Node
	clock *testutil.StepClock
}

func newBuilder() *builder {
	return &builder{clock: testutil.NewStepClock(testutil.Epoch, time.Minute)}
}

func (b *builder) add(id string, p ir.Priority, deps ...string) *builder {
	return b.addNode(ir.Node{ID: id, Priority: p, DependsOn: deps})
}

func (b *builder) addNode(n ir.Node) *builder {
	if n.Type == "" {
		n.Type = ir.TypeFeature
	}
	if n.Status == "" {
		n.Status = ir.StatusTodo
	}
	if n.Priority == "" {
		n.Priority = ir.PriorityMedium
	}
	if n.Title == "" {
		n.Title = "node " + n.ID
	}
	n.CreatedAt = b.clock.Now()
	n.UpdatedAt = n.CreatedAt
	b.nodes = append(b.nodes, n)
	return b
}

func (b *builder) status(id string, s ir.Status) *builder {
	for i := range b.nodes {
		if b.nodes[i].ID == id {
			b.nodes[i].Status = s
		}
	}
	return b
}

func (b *builder) graph() *Graph {
	return NewGraph(b.nodes)
}

func TestNewGraph_NormalisesEdges(t *testing.T) {
	g := newBuilder().
		add("a", ir.PriorityMedium).
		addNode(ir.Node{ID: "b", Blocks: []string{"a"}}).
		add("c", ir.PriorityLow, "a", "a", "missing").
		addNode(ir.Node{ID: "d", Deleted: true}).
		add("e", ir.PriorityLow, "d").
		addNode(ir.Node{ID: "trk", Type: ir.TypeTrack}).
		addNode(ir.Node{ID: "f", TrackID: "trk"}).
		graph()

	assert.Equal(t, 5, g.Len())
	assert.Equal(t, []string{"b"}, g.Dependencies("a"))
	assert.Equal(t, []string{"a"}, g.Dependents("b"))
	assert.Equal(t, []string{"c"}, g.Dependents("a"))
	assert.Equal(t, []InvalidReference{
		{From: "c", To: "missing", Kind: ir.EdgeDependsOn},
		{From: "e", To: "d", Kind: ir.EdgeDependsOn},
	}, g.invalid)
	_, ok := g.Node("trk")
	assert.False(t, ok, "tracks are not work items")
}

func TestBottlenecks_FiveDependentsRankFirst(t *testing.T) {
	b := newBuilder().add("z-hub", ir.PriorityLow)
	for _, id := range []string{"d1", "d2", "d3", "d4", "d5"} {
		b.add(id, ir.PriorityMedium, "z-hub")
	}
	b.add("lone", ir.PriorityCritical)
	b.add("x", ir.PriorityCritical)
	b.add("y", ir.PriorityCritical, "x")

	top := b.graph().Bottlenecks(1)
	require.Len(t, top, 1)
	assert.Equal(t, "z-hub", top[0].ID)
	assert.Equal(t, 10, top[0].ImpactScore)
	assert.Equal(t, []string{"d1", "d2", "d3", "d4", "d5"}, top[0].DirectDependents)
}

func TestBottlenecks_WeightsTransitiveUnfinishedDependents(t *testing.T) {
	g := newBuilder().
		add("a", ir.PriorityLow).
		add("b", ir.PriorityHigh, "a").
		add("c", ir.PriorityCritical, "b").
		add("done", ir.PriorityCritical, "a").
		status("done", ir.StatusDone).
		graph()

	all := g.Bottlenecks(0)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, 7, all[0].ImpactScore)
	assert.Equal(t, []string{"b"}, all[0].DirectDependents)
	assert.Equal(t, []string{"b", "c"}, all[0].TransitiveDependents)
	assert.Equal(t, "b", all[1].ID)
	assert.Equal(t, 4, all[1].ImpactScore)
}

func TestBottlenecks_TieBreaks(t *testing.T) {
	g := newBuilder().
		add("low", ir.PriorityLow).
		add("high-z", ir.PriorityHigh).
		add("high-a", ir.PriorityHigh).
		add("d1", ir.PriorityMedium, "low").
		add("d2", ir.PriorityMedium, "high-z").
		add("d3", ir.PriorityMedium, "high-a").
		graph()

	var ids []string
	for _, bn := range g.Bottlenecks(0) {
		ids = append(ids, bn.ID)
	}
	// Equal scores fall back to priority, then creation order before id.
	assert.Equal(t, []string{"high-z", "high-a", "low"}, ids)
}

func TestBottlenecks_SkipsFinishedNodes(t *testing.T) {
	g := newBuilder().
		add("a", ir.PriorityHigh).
		add("b", ir.PriorityHigh, "a").
		status("a", ir.StatusDone).
		graph()
	assert.Empty(t, g.Bottlenecks(5))
}

func TestRecommendNextWork(t *testing.T) {
	g := newBuilder().
		add("base", ir.PriorityMedium).
		add("blocked-by-base", ir.PriorityCritical, "base").
		add("quick", ir.PriorityHigh).
		add("low", ir.PriorityLow).
		add("busy", ir.PriorityCritical).
		status("busy", ir.StatusInProgress).
		add("after-done", ir.PriorityMedium, "finished").
		add("finished", ir.PriorityLow).
		status("finished", ir.StatusDone).
		graph()

	recs := g.RecommendNextWork(3)
	require.Len(t, recs, 3)

	// base: 2 * (1 + 4) = 10; quick: 3 * 1 = 3; after-done: 2 * 1 = 2.
	assert.Equal(t, "base", recs[0].ID)
	assert.Equal(t, 10, recs[0].Score)
	assert.Equal(t, 4, recs[0].ImpactScore)
	assert.Equal(t, []string{"medium priority", "no dependencies", "unblocks work weighing 4"}, recs[0].Reasons)
	assert.Equal(t, "quick", recs[1].ID)
	assert.Equal(t, "after-done", recs[2].ID)
	assert.Contains(t, recs[2].Reasons, "all 1 dependencies done")

	for _, r := range g.RecommendNextWork(10) {
		assert.NotEqual(t, "blocked-by-base", r.ID, "unfinished dependency")
		assert.NotEqual(t, "busy", r.ID, "already in progress")
	}
	assert.Empty(t, g.RecommendNextWork(0))
}

func TestParallelWork(t *testing.T) {
	g := newBuilder().
		add("c1", ir.PriorityCritical).
		add("h1", ir.PriorityHigh).
		add("m1", ir.PriorityMedium).
		add("l1", ir.PriorityLow).
		add("waiting", ir.PriorityHigh, "m1").
		add("wip", ir.PriorityHigh).
		status("wip", ir.StatusInProgress).
		graph()

	plan := g.ParallelWork(2)
	// Every ready node counts, wip included; "waiting" does not.
	assert.Equal(t, 5, plan.MaxParallelism)
	// m1 unblocks "waiting": 2 * (1 + 3) = 8 outranks c1 = 4.
	assert.Equal(t, []string{"m1", "c1"}, plan.ReadyNow)
	assert.Equal(t, []string{"h1", "l1"}, plan.Deferred)
	assert.Equal(t, []string{"wip"}, plan.InProgress)

	uncapped := g.ParallelWork(0)
	assert.Equal(t, []string{"m1", "c1", "h1"}, uncapped.ReadyNow)
	assert.Equal(t, []string{"l1"}, uncapped.Deferred)
}

func TestAssessRisks_ThreeNodeCycle(t *testing.T) {
	g := newBuilder().
		add("a", ir.PriorityMedium, "b").
		add("b", ir.PriorityMedium, "c").
		add("c", ir.PriorityMedium, "a").
		graph()

	report := g.AssessRisks(DefaultSPOFThreshold)
	require.Len(t, report.Cycles, 1)
	assert.Equal(t, []string{"a", "b", "c", "a"}, report.Cycles[0].Path)
	assert.Equal(t, "dependency cycle: a -> b -> c -> a", report.Cycles[0].Message)
	assert.Empty(t, report.Orphans)
}

func TestAssessRisks_CyclesFromEveryEntryPointDeduplicated(t *testing.T) {
	g := newBuilder().
		add("x", ir.PriorityMedium, "c").
		add("c", ir.PriorityMedium, "a").
		add("a", ir.PriorityMedium, "b").
		add("b", ir.PriorityMedium, "c").
		add("self", ir.PriorityMedium, "self").
		graph()

	report := g.AssessRisks(-1)
	require.Len(t, report.Cycles, 2)
	assert.Equal(t, []string{"a", "b", "c", "a"}, report.Cycles[0].Path)
	assert.Equal(t, []string{"self", "self"}, report.Cycles[1].Path)
}

func TestAssessRisks_SPOFOrphansAndInvalidReferences(t *testing.T) {
	g := newBuilder().
		add("hub", ir.PriorityHigh).
		add("d1", ir.PriorityLow, "hub").
		add("d2", ir.PriorityLow, "hub").
		add("d3", ir.PriorityLow, "hub").
		add("small", ir.PriorityHigh).
		add("s1", ir.PriorityLow, "small").
		add("s2", ir.PriorityLow, "small").
		add("alone", ir.PriorityLow).
		add("dangling", ir.PriorityLow, "ghost").
		graph()

	report := g.AssessRisks(DefaultSPOFThreshold)
	require.Len(t, report.SinglePointsOfFailure, 1)
	assert.Equal(t, "hub", report.SinglePointsOfFailure[0].ID)
	assert.Equal(t, []string{"d1", "d2", "d3"}, report.SinglePointsOfFailure[0].Dependents)
	assert.Equal(t, []string{"alone", "dangling"}, report.Orphans)
	assert.Equal(t, []InvalidReference{{From: "dangling", To: "ghost", Kind: ir.EdgeDependsOn}}, report.InvalidReferences)
	assert.Empty(t, report.Cycles)

	assert.Len(t, g.AssessRisks(1).SinglePointsOfFailure, 2)
}

func TestAnalyzeImpact_Chain(t *testing.T) {
	g := newBuilder().
		add("a", ir.PriorityMedium).
		add("b", ir.PriorityMedium, "a").
		add("c", ir.PriorityMedium, "b").
		graph()

	imp, err := g.AnalyzeImpact("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, imp.DirectDependents)
	assert.Equal(t, []string{"b", "c"}, imp.TransitiveDependents)
	assert.Equal(t, 2, imp.TotalImpact)
	assert.Equal(t, 3, imp.OutstandingNodes)
	assert.InDelta(t, 66.7, imp.CompletionImpact, 0.05)
	assert.Equal(t, 66.67, imp.CompletionImpact)
}

func TestAnalyzeImpact_TerminatesOnCycles(t *testing.T) {
	g := newBuilder().
		add("a", ir.PriorityMedium, "c").
		add("b", ir.PriorityMedium, "a").
		add("c", ir.PriorityMedium, "b").
		graph()

	imp, err := g.AnalyzeImpact("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, imp.TransitiveDependents)
	assert.Equal(t, 2, imp.TotalImpact)
}

func TestAnalyzeImpact_NotFound(t *testing.T) {
	_, err := newBuilder().add("a", ir.PriorityLow).graph().AnalyzeImpact("nope")
	assert.True(t, ir.IsNotFound(err))
}

func TestAnalyzeImpact_NoOutstandingWork(t *testing.T) {
	g := newBuilder().add("a", ir.PriorityLow).status("a", ir.StatusDone).graph()
	imp, err := g.AnalyzeImpact("a")
	require.NoError(t, err)
	assert.Zero(t, imp.CompletionImpact)
	assert.Equal(t, []string{}, imp.DirectDependents)
}
