package harness

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It carries the rendered report to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Report   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if e.Report != "" {
		fmt.Fprintf(&buf, "\nReport:\n%s", e.Report)
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against a result and returns
// one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %s", i, a.Type, err.Error()))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	r := result.Report
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Report: r.String()}
	}

	switch a.Type {
	case AssertRecommended:
		got := make([]string, len(r.Recommended))
		for i, rec := range r.Recommended {
			got[i] = rec.Node
		}
		if !slices.Equal(got, a.Nodes) {
			return fail(joinList(a.Nodes), joinList(got))
		}
	case AssertReadyNow:
		if !slices.Equal(r.Parallel.ReadyNow, a.Nodes) {
			return fail(joinList(a.Nodes), joinList(r.Parallel.ReadyNow))
		}
	case AssertBottleneckTop:
		if len(r.Bottlenecks) == 0 {
			return fail(a.Node, "no bottlenecks")
		}
		if r.Bottlenecks[0].Node != a.Node {
			return fail(a.Node, r.Bottlenecks[0].Node)
		}
	case AssertCycle:
		want := sortedCopy(a.Nodes)
		var found []string
		for _, c := range r.Cycles {
			members := sortedCopy(c[:len(c)-1])
			if slices.Equal(members, want) {
				return nil
			}
			found = append(found, strings.Join(c, "->"))
		}
		return fail("cycle through "+joinList(want), joinWords(found))
	case AssertOrphans:
		want := sortedCopy(a.Nodes)
		if !slices.Equal(r.Orphans, want) {
			return fail(joinList(want), joinList(r.Orphans))
		}
	case AssertImpact:
		for _, imp := range r.Impact {
			if imp.Node == a.Node {
				if imp.Total != a.Count {
					return fail(strconv.Itoa(a.Count), strconv.Itoa(imp.Total))
				}
				return nil
			}
		}
		return fail(strconv.Itoa(a.Count), a.Node+" is not a work item")
	case AssertEventCount:
		for _, s := range r.Sessions {
			if s.ID == a.Session {
				if s.Events != a.Count {
					return fail(strconv.Itoa(a.Count), strconv.Itoa(s.Events))
				}
				return nil
			}
		}
		return fail(strconv.Itoa(a.Count), "session not journaled")
	case AssertFinalState:
		n, ok := result.Nodes[a.Node]
		if !ok {
			return fail(a.Node, "node not found")
		}
		for _, field := range ir.SortedKeys(a.Expect) {
			want := a.Expect[field]
			got, known := nodeField(n, field)
			if !known {
				return fail(field+"="+want, "unknown field "+field)
			}
			if got != want {
				return fail(field+"="+want, field+"="+got)
			}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// nodeField reads a document field by its assertion name.
func nodeField(n ir.Node, field string) (string, bool) {
	switch field {
	case "type":
		return string(n.Type), true
	case "title":
		return n.Title, true
	case "status":
		return string(n.Status), true
	case "priority":
		return string(n.Priority), true
	case "deleted":
		return strconv.FormatBool(n.Deleted), true
	}
	if key, ok := strings.CutPrefix(field, "attributes."); ok {
		return n.Attributes[key], true
	}
	return "", false
}

func sortedCopy(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}
