package harness

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// Report is the analytics outcome of a scenario with every id replaced by
// its scenario key.
type Report struct {
	Scenario    string
	Nodes       int
	Deleted     int
	Outstanding int

	Bottlenecks []BottleneckLine
	Agents      int
	Recommended []RecommendedLine
	Parallel    ParallelLine

	Threshold int
	SPOF      []SPOFLine
	// Cycles are closed paths rotated to start at their smallest key.
	Cycles  [][]string
	Orphans []string
	Invalid []InvalidLine

	Impact   []ImpactLine
	Sessions []SessionLine
}

// BottleneckLine is one ranked bottleneck.
type BottleneckLine struct {
	Node       string
	Impact     int
	Direct     []string
	Transitive []string
}

// RecommendedLine is one recommendation.
type RecommendedLine struct {
	Node   string
	Score  int
	Impact int
}

// ParallelLine is the parallel work plan. ReadyNow and Deferred keep rank
// order; InProgress is sorted.
type ParallelLine struct {
	Max        int
	ReadyNow   []string
	Deferred   []string
	InProgress []string
}

// SPOFLine is a single point of failure.
type SPOFLine struct {
	Node       string
	Dependents []string
}

// InvalidLine is an edge to a missing node.
type InvalidLine struct {
	From string
	To   string
	Kind ir.EdgeKind
}

// ImpactLine is the transitive dependent count of one node.
type ImpactLine struct {
	Node  string
	Total int
}

// SessionLine summarises one journal.
type SessionLine struct {
	ID         string
	Events     int
	Errors     int
	DurationMS int64
	Tools      map[string]int
	Nodes      map[string]int
}

// Bytes renders the report.
func (r *Report) Bytes() []byte {
	var buf bytes.Buffer
	r.Render(&buf)
	return buf.Bytes()
}

// String renders the report.
func (r *Report) String() string {
	return string(r.Bytes())
}

// Render writes the report as plain text. The layout is stable; golden
// files depend on it.
func (r *Report) Render(w io.Writer) {
	fmt.Fprintf(w, "scenario: %s\n", r.Scenario)
	fmt.Fprintf(w, "nodes: %d (%d deleted)\n", r.Nodes, r.Deleted)
	fmt.Fprintf(w, "outstanding: %d\n", r.Outstanding)

	fmt.Fprintf(w, "\nbottlenecks:\n")
	if len(r.Bottlenecks) == 0 {
		fmt.Fprintf(w, "  none\n")
	}
	for _, b := range r.Bottlenecks {
		fmt.Fprintf(w, "  %s impact=%d direct=%s transitive=%s\n",
			b.Node, b.Impact, joinList(b.Direct), joinList(b.Transitive))
	}

	fmt.Fprintf(w, "\nrecommended (agents=%d):\n", r.Agents)
	if len(r.Recommended) == 0 {
		fmt.Fprintf(w, "  none\n")
	}
	for _, rec := range r.Recommended {
		fmt.Fprintf(w, "  %s score=%d impact=%d\n", rec.Node, rec.Score, rec.Impact)
	}

	fmt.Fprintf(w, "\nparallel:\n")
	fmt.Fprintf(w, "  max_parallelism: %d\n", r.Parallel.Max)
	fmt.Fprintf(w, "  ready_now: %s\n", joinList(r.Parallel.ReadyNow))
	fmt.Fprintf(w, "  deferred: %s\n", joinList(r.Parallel.Deferred))
	fmt.Fprintf(w, "  in_progress: %s\n", joinList(r.Parallel.InProgress))

	fmt.Fprintf(w, "\nrisks (spof threshold %d):\n", r.Threshold)
	spof := make([]string, len(r.SPOF))
	for i, s := range r.SPOF {
		spof[i] = fmt.Sprintf("%s(%s)", s.Node, joinList(s.Dependents))
	}
	cycles := make([]string, len(r.Cycles))
	for i, c := range r.Cycles {
		cycles[i] = strings.Join(c, "->")
	}
	invalid := make([]string, len(r.Invalid))
	for i, ref := range r.Invalid {
		invalid[i] = fmt.Sprintf("%s->%s(%s)", ref.From, ref.To, ref.Kind)
	}
	fmt.Fprintf(w, "  spof: %s\n", joinWords(spof))
	fmt.Fprintf(w, "  cycles: %s\n", joinWords(cycles))
	fmt.Fprintf(w, "  orphans: %s\n", joinList(r.Orphans))
	fmt.Fprintf(w, "  invalid: %s\n", joinWords(invalid))

	fmt.Fprintf(w, "\nimpact:\n")
	if len(r.Impact) == 0 {
		fmt.Fprintf(w, "  none\n")
	}
	for _, imp := range r.Impact {
		fmt.Fprintf(w, "  %s %d\n", imp.Node, imp.Total)
	}

	fmt.Fprintf(w, "\nsessions:\n")
	if len(r.Sessions) == 0 {
		fmt.Fprintf(w, "  none\n")
	}
	for _, s := range r.Sessions {
		fmt.Fprintf(w, "  %s events=%d errors=%d duration_ms=%d tools=%s nodes=%s\n",
			s.ID, s.Events, s.Errors, s.DurationMS, joinCounts(s.Tools), joinCounts(s.Nodes))
	}
}

func joinList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func joinWords(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, " ")
}

func joinCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(counts))
	for _, k := range ir.SortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", k, counts[k]))
	}
	return strings.Join(parts, ",")
}

func sortStrings(s []string) {
	slices.Sort(s)
}

// canonicalCycle rotates a closed path so it starts at its smallest key.
// Rotation keeps the direction of travel.
func canonicalCycle(closed []string) []string {
	if len(closed) < 2 {
		return closed
	}
	open := closed[:len(closed)-1]
	i := slices.Index(open, slices.Min(open))
	out := slices.Concat(open[i:], open[:i])
	return append(out, out[0])
}

func sortCycles(cycles [][]string) {
	slices.SortFunc(cycles, func(a, b []string) int {
		return strings.Compare(strings.Join(a, "\x00"), strings.Join(b, "\x00"))
	})
}

func sortInvalid(refs []InvalidLine) {
	slices.SortFunc(refs, func(a, b InvalidLine) int {
		if c := strings.Compare(a.From, b.From); c != 0 {
			return c
		}
		if c := strings.Compare(a.To, b.To); c != 0 {
			return c
		}
		return strings.Compare(string(a.Kind), string(b.Kind))
	})
}

func sortImpact(lines []ImpactLine) {
	slices.SortFunc(lines, func(a, b ImpactLine) int { return strings.Compare(a.Node, b.Node) })
}
