package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Shakes-tzd/htmlgraph/internal/analytics"
	"github.com/Shakes-tzd/htmlgraph/internal/eventlog"
	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/nodestore"
	"github.com/Shakes-tzd/htmlgraph/internal/testutil"
)

// Harness holds the stores of one scenario run.
type Harness struct {
	nodes  *nodestore.Store
	events *eventlog.Log
	clock  *testutil.StepClock
	logger *slog.Logger

	// ids maps scenario keys to node ids; aliases is the inverse.
	ids     map[string]string
	aliases map[string]string
}

// Run executes a scenario in dir, which should be empty, and returns the
// result. An error means the scenario could not be materialised; failed
// assertions are reported on the result instead.
func Run(ctx context.Context, scenario *Scenario, dir string) (*Result, error) {
	clock := testutil.NewStepClock(testutil.Epoch, time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	nodes, err := nodestore.Open(filepath.Join(dir, "nodes"),
		nodestore.WithClock(clock.Now), nodestore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open node store: %w", err)
	}
	events, err := eventlog.Open(filepath.Join(dir, "events"),
		eventlog.WithClock(clock.Now),
		eventlog.WithNonceSource(testutil.NewNonceSequence(scenario.Name).Next),
		eventlog.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	h := &Harness{
		nodes:   nodes,
		events:  events,
		clock:   clock,
		logger:  logger,
		ids:     make(map[string]string, len(scenario.Nodes)),
		aliases: make(map[string]string, len(scenario.Nodes)),
	}
	// Ids are content-derived, so forward references resolve before any
	// node exists.
	for _, step := range scenario.Nodes {
		id := ir.NewID(ir.TagFor(nodeType(step)), step.Title, step.Key)
		h.ids[step.Key] = id
		h.aliases[id] = step.Key
	}

	if err := h.createNodes(ctx, scenario.Nodes); err != nil {
		return nil, err
	}
	if err := h.recordSessions(ctx, scenario.Sessions); err != nil {
		return nil, err
	}

	result := NewResult()
	snapshot, err := h.nodes.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	for _, n := range snapshot {
		result.Nodes[h.alias(n.ID)] = n
	}
	for k, id := range h.ids {
		result.IDs[k] = id
	}

	report, err := h.buildReport(ctx, scenario, snapshot)
	if err != nil {
		return nil, err
	}
	result.Report = report

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func nodeType(step NodeStep) ir.NodeType {
	if step.Type == "" {
		return ir.TypeFeature
	}
	return step.Type
}

// resolve maps a scenario key to its id. Anything else is taken literally.
func (h *Harness) resolve(ref string) string {
	if id, ok := h.ids[ref]; ok {
		return id
	}
	return ref
}

func (h *Harness) resolveAll(refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = h.resolve(r)
	}
	return out
}

// alias maps an id back to its scenario key. Unknown ids are kept.
func (h *Harness) alias(id string) string {
	if k, ok := h.aliases[id]; ok {
		return k
	}
	return id
}

// createNodes writes every node in order, then applies soft deletes.
func (h *Harness) createNodes(ctx context.Context, steps []NodeStep) error {
	for i, step := range steps {
		n, err := h.nodes.Create(ctx, ir.Actor{}, nodeType(step), nodestore.Fields{
			Title:      step.Title,
			Status:     step.Status,
			Priority:   step.Priority,
			TrackID:    h.resolve(step.Track),
			DependsOn:  h.resolveAll(step.DependsOn),
			Blocks:     h.resolveAll(step.Blocks),
			Attributes: step.Attributes,
			Nonce:      step.Key,
		})
		if err != nil {
			return fmt.Errorf("nodes[%d] %s: %w", i, step.Key, err)
		}
		if n.ID != h.ids[step.Key] {
			return fmt.Errorf("nodes[%d] %s: stored as %s, want %s", i, step.Key, n.ID, h.ids[step.Key])
		}
	}
	for i, step := range steps {
		if !step.Deleted {
			continue
		}
		if _, err := h.nodes.Delete(ctx, ir.Actor{}, h.ids[step.Key]); err != nil {
			return fmt.Errorf("nodes[%d] %s: delete: %w", i, step.Key, err)
		}
	}
	h.logger.Debug("scenario nodes created", "count", len(steps))
	return nil
}

// recordSessions journals every event, session by session.
func (h *Harness) recordSessions(ctx context.Context, sessions []SessionStep) error {
	for _, sess := range sessions {
		for j, step := range sess.Events {
			var node string
			if step.Node != "" {
				node = h.resolve(step.Node)
			}
			_, err := h.events.Append(ctx, sess.ID, ir.Event{
				AgentID:      sess.Agent,
				ToolName:     step.Tool,
				Status:       step.Status,
				NodeID:       node,
				InputSummary: step.Input,
				DurationMS:   step.DurationMS,
				CostTokens:   step.Tokens,
			})
			if err != nil {
				return fmt.Errorf("session %s event %d: %w", sess.ID, j, err)
			}
		}
	}
	return nil
}

// buildReport runs every analysis over the snapshot and aliases the ids.
func (h *Harness) buildReport(ctx context.Context, scenario *Scenario, snapshot []ir.Node) (*Report, error) {
	g := analytics.NewGraph(snapshot)

	agents := scenario.Agents
	if agents == 0 {
		agents = 1
	}
	threshold := analytics.DefaultSPOFThreshold
	if scenario.SPOFThreshold != nil {
		threshold = *scenario.SPOFThreshold
	}

	r := &Report{
		Scenario:  scenario.Name,
		Agents:    agents,
		Threshold: threshold,
	}
	for _, n := range snapshot {
		r.Nodes++
		if n.Deleted {
			r.Deleted++
		}
	}

	for _, b := range g.Bottlenecks(0) {
		r.Bottlenecks = append(r.Bottlenecks, BottleneckLine{
			Node:       h.alias(b.ID),
			Impact:     b.ImpactScore,
			Direct:     h.aliasSet(b.DirectDependents),
			Transitive: h.aliasSet(b.TransitiveDependents),
		})
	}
	for _, rec := range g.RecommendNextWork(agents) {
		r.Recommended = append(r.Recommended, RecommendedLine{
			Node:   h.alias(rec.ID),
			Score:  rec.Score,
			Impact: rec.ImpactScore,
		})
	}

	plan := g.ParallelWork(scenario.MaxParallel)
	r.Parallel = ParallelLine{
		Max:        plan.MaxParallelism,
		ReadyNow:   h.aliasList(plan.ReadyNow),
		Deferred:   h.aliasList(plan.Deferred),
		InProgress: h.aliasSet(plan.InProgress),
	}

	risks := g.AssessRisks(threshold)
	for _, s := range risks.SinglePointsOfFailure {
		r.SPOF = append(r.SPOF, SPOFLine{Node: h.alias(s.ID), Dependents: h.aliasSet(s.Dependents)})
	}
	for _, c := range risks.Cycles {
		r.Cycles = append(r.Cycles, canonicalCycle(h.aliasList(c.Path)))
	}
	sortCycles(r.Cycles)
	r.Orphans = h.aliasSet(risks.Orphans)
	for _, ref := range risks.InvalidReferences {
		r.Invalid = append(r.Invalid, InvalidLine{From: h.alias(ref.From), To: h.alias(ref.To), Kind: ref.Kind})
	}
	sortInvalid(r.Invalid)

	for _, n := range snapshot {
		if _, ok := g.Node(n.ID); !ok {
			continue
		}
		imp, err := g.AnalyzeImpact(n.ID)
		if err != nil {
			return nil, fmt.Errorf("impact of %s: %w", h.alias(n.ID), err)
		}
		r.Outstanding = imp.OutstandingNodes
		r.Impact = append(r.Impact, ImpactLine{Node: h.alias(n.ID), Total: imp.TotalImpact})
	}
	sortImpact(r.Impact)

	for _, sess := range scenario.Sessions {
		st, err := h.events.Stats(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("stats of session %s: %w", sess.ID, err)
		}
		byNode := make(map[string]int, len(st.ByNode))
		for id, count := range st.ByNode {
			byNode[h.alias(id)] += count
		}
		r.Sessions = append(r.Sessions, SessionLine{
			ID:         sess.ID,
			Events:     st.EventCount,
			Errors:     st.ByStatus[ir.EventError],
			DurationMS: st.TotalDurationMS,
			Tools:      st.ByTool,
			Nodes:      byNode,
		})
	}
	return r, nil
}

// aliasList aliases ids and keeps their order.
func (h *Harness) aliasList(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = h.alias(id)
	}
	return out
}

// aliasSet aliases ids and sorts them, since id order is hash order.
func (h *Harness) aliasSet(ids []string) []string {
	out := h.aliasList(ids)
	sortStrings(out)
	return out
}
