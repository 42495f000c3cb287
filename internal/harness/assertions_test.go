package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

func createTestResult() *Result {
	result := NewResult()
	result.Report = &Report{
		Scenario:    "fixture",
		Bottlenecks: []BottleneckLine{{Node: "core", Impact: 5, Direct: []string{"api"}, Transitive: []string{"api", "ui"}}},
		Recommended: []RecommendedLine{{Node: "core", Score: 18}, {Node: "docs", Score: 1}},
		Parallel:    ParallelLine{Max: 2, ReadyNow: []string{"core"}, Deferred: []string{"docs"}},
		Cycles:      [][]string{{"a", "c", "b", "a"}},
		Orphans:     []string{"docs", "misc"},
		Impact:      []ImpactLine{{Node: "core", Total: 2}, {Node: "docs", Total: 0}},
		Sessions:    []SessionLine{{ID: "s1", Events: 3}},
	}
	result.Nodes["core"] = ir.Node{
		Type:       ir.TypeFeature,
		Title:      "Core",
		Status:     ir.StatusTodo,
		Priority:   ir.PriorityHigh,
		Attributes: map[string]string{"estimate": "2d"},
	}
	return result
}

func TestEvaluateAssertions_Pass(t *testing.T) {
	result := createTestResult()
	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertRecommended, Nodes: []string{"core", "docs"}},
		{Type: AssertReadyNow, Nodes: []string{"core"}},
		{Type: AssertBottleneckTop, Node: "core"},
		{Type: AssertCycle, Nodes: []string{"b", "a", "c"}},
		{Type: AssertOrphans, Nodes: []string{"misc", "docs"}},
		{Type: AssertImpact, Node: "core", Count: 2},
		{Type: AssertEventCount, Session: "s1", Count: 3},
		{Type: AssertFinalState, Node: "core", Expect: map[string]string{
			"status":              "todo",
			"priority":            "high",
			"deleted":             "false",
			"attributes.estimate": "2d",
		}},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{"recommended order", Assertion{Type: AssertRecommended, Nodes: []string{"docs", "core"}}, "Expected: docs,core"},
		{"ready now", Assertion{Type: AssertReadyNow, Nodes: []string{}}, "Actual: core"},
		{"bottleneck top", Assertion{Type: AssertBottleneckTop, Node: "api"}, "Actual: core"},
		{"cycle", Assertion{Type: AssertCycle, Nodes: []string{"a", "b"}}, "Actual: a->c->b->a"},
		{"orphans", Assertion{Type: AssertOrphans, Nodes: []string{"docs"}}, "Actual: docs,misc"},
		{"impact count", Assertion{Type: AssertImpact, Node: "core", Count: 9}, "Actual: 2"},
		{"impact non work item", Assertion{Type: AssertImpact, Node: "trk", Count: 0}, "is not a work item"},
		{"event count", Assertion{Type: AssertEventCount, Session: "s1", Count: 1}, "Actual: 3"},
		{"session missing", Assertion{Type: AssertEventCount, Session: "s2", Count: 1}, "session not journaled"},
		{"state mismatch", Assertion{Type: AssertFinalState, Node: "core", Expect: map[string]string{"status": "done"}}, "Actual: status=todo"},
		{"state unknown field", Assertion{Type: AssertFinalState, Node: "core", Expect: map[string]string{"owner": "x"}}, "unknown field owner"},
		{"state missing node", Assertion{Type: AssertFinalState, Node: "ghost", Expect: map[string]string{"status": "done"}}, "node not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(createTestResult(), []Assertion{tt.assertion})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
			assert.Contains(t, errs[0], "scenario: fixture", "failures carry the report")
		})
	}
}

func TestEvaluateAssertions_NoBottlenecks(t *testing.T) {
	result := createTestResult()
	result.Report.Bottlenecks = nil

	errs := EvaluateAssertions(result, []Assertion{{Type: AssertBottleneckTop, Node: "core"}})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "no bottlenecks")
}

func TestResult_AddError(t *testing.T) {
	result := NewResult()
	assert.True(t, result.Pass)

	result.AddError("boom")
	assert.False(t, result.Pass)
	assert.Equal(t, []string{"boom"}, result.Errors)
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{Type: AssertImpact, Expected: "3", Actual: "2", Report: "scenario: x\n"}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: impact")
	assert.Contains(t, msg, "Expected: 3")
	assert.Contains(t, msg, "Actual: 2")
	assert.Contains(t, msg, "Report:\nscenario: x")
}

func TestCanonicalCycle(t *testing.T) {
	assert.Equal(t, []string{"a", "c", "b", "a"}, canonicalCycle([]string{"c", "b", "a", "c"}))
	assert.Equal(t, []string{"a", "b", "a"}, canonicalCycle([]string{"a", "b", "a"}))
}
