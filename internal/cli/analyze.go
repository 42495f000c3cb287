package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Shakes-tzd/htmlgraph/internal/analytics"
	"github.com/Shakes-tzd/htmlgraph/internal/config"
)

// NewAnalyzeCommand creates the analyze command group. Every subcommand
// works on one snapshot of the live nodes.
func NewAnalyzeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyse the dependency graph",
	}
	cmd.AddCommand(newBottlenecksCommand(rootOpts))
	cmd.AddCommand(newRecommendCommand(rootOpts))
	cmd.AddCommand(newParallelCommand(rootOpts))
	cmd.AddCommand(newRisksCommand(rootOpts))
	cmd.AddCommand(newImpactCommand(rootOpts))
	return cmd
}

// withGraph opens the workspace, snapshots the graph and hands it to fn.
func withGraph(opts *RootOptions, cmd *cobra.Command, fn func(g *analytics.Graph, cfg config.Config) error) error {
	ctx := context.Background()
	w, err := opts.openWorkspace(ctx, cmd)
	if err != nil {
		return err
	}
	defer w.Close()

	g, err := w.Graph(ctx)
	if err != nil {
		return storeError("failed to load graph", err)
	}
	opts.formatter(cmd).VerboseLog("analysing %d nodes", g.Len())
	return fn(g, w.Config)
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}

func newBottlenecksCommand(rootOpts *RootOptions) *cobra.Command {
	var topN int

	cmd := &cobra.Command{
		Use:   "bottlenecks",
		Short: "Rank unfinished nodes by how much work waits on them",
		Long: `Rank unfinished nodes by priority-weighted transitive dependents.

Examples:
  htmlgraph analyze bottlenecks --top 3`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(g *analytics.Graph, _ config.Config) error {
				result := g.Bottlenecks(topN)
				return rootOpts.formatter(cmd).Success(result, func(out io.Writer) {
					if len(result) == 0 {
						dimStyle.Fprintln(out, "No bottlenecks: nothing unfinished has dependents")
						return
					}
					for i, b := range result {
						fmt.Fprintf(out, "%d. ", i+1)
						headingStyle.Fprint(out, b.ID)
						fmt.Fprintf(out, " %s (", b.Title)
						statusStyle(b.Status).Fprint(out, b.Status)
						fmt.Fprintf(out, ", %s) impact %d\n", b.Priority, b.ImpactScore)
						fmt.Fprintf(out, "   blocks directly: %s\n", joinOrNone(b.DirectDependents))
						fmt.Fprintf(out, "   blocks transitively: %s\n", joinOrNone(b.TransitiveDependents))
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&topN, "top", 5, "number of bottlenecks")
	return cmd
}

func newRecommendCommand(rootOpts *RootOptions) *cobra.Command {
	var agents int

	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Recommend ready work",
		Long: `Recommend unblocked nodes, highest score first, one per agent.

Examples:
  htmlgraph analyze recommend --agents 3`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(g *analytics.Graph, _ config.Config) error {
				result := g.RecommendNextWork(agents)
				return rootOpts.formatter(cmd).Success(result, func(out io.Writer) {
					if len(result) == 0 {
						dimStyle.Fprintln(out, "No ready work")
						return
					}
					for i, r := range result {
						fmt.Fprintf(out, "%d. ", i+1)
						headingStyle.Fprint(out, r.ID)
						fmt.Fprintf(out, " %s [%s, %s] score %d\n", r.Title, r.Type, r.Priority, r.Score)
						for _, reason := range r.Reasons {
							dimStyle.Fprintf(out, "   - %s\n", reason)
						}
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&agents, "agents", 1, "number of agents to plan for")
	return cmd
}

func newParallelCommand(rootOpts *RootOptions) *cobra.Command {
	var maxAgents int

	cmd := &cobra.Command{
		Use:   "parallel",
		Short: "Show work that can run at the same time",
		Long: `List ready nodes that can be worked on in parallel. --max caps the ready
set; the rest is deferred.

Examples:
  htmlgraph analyze parallel --max 4`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(g *analytics.Graph, _ config.Config) error {
				plan := g.ParallelWork(maxAgents)
				return rootOpts.formatter(cmd).Success(plan, func(out io.Writer) {
					labelStyle.Fprint(out, "Max parallelism: ")
					fmt.Fprintln(out, plan.MaxParallelism)
					labelStyle.Fprint(out, "Ready now:       ")
					fmt.Fprintln(out, joinOrNone(plan.ReadyNow))
					labelStyle.Fprint(out, "Deferred:        ")
					fmt.Fprintln(out, joinOrNone(plan.Deferred))
					labelStyle.Fprint(out, "In progress:     ")
					fmt.Fprintln(out, joinOrNone(plan.InProgress))
				})
			})
		},
	}
	cmd.Flags().IntVar(&maxAgents, "max", 0, "maximum parallel agents (0 = no cap)")
	return cmd
}

func newRisksCommand(rootOpts *RootOptions) *cobra.Command {
	var threshold int
	var strict bool

	cmd := &cobra.Command{
		Use:   "risks",
		Short: "Report structural risks",
		Long: `Report single points of failure, dependency cycles, orphan nodes and
edges to missing nodes. --strict exits with status 1 when cycles or
invalid references are found.

Examples:
  htmlgraph analyze risks
  htmlgraph analyze risks --spof-threshold 3 --strict`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(g *analytics.Graph, cfg config.Config) error {
				if !cmd.Flags().Changed("spof-threshold") {
					threshold = cfg.Analytics.SPOFThreshold
				}
				report := g.AssessRisks(threshold)
				if err := rootOpts.formatter(cmd).Success(report, func(out io.Writer) { printRisks(out, report) }); err != nil {
					return err
				}
				if strict && (len(report.Cycles) > 0 || len(report.InvalidReferences) > 0) {
					return NewExitError(ExitFailure,
						fmt.Sprintf("%d cycle(s), %d invalid reference(s)", len(report.Cycles), len(report.InvalidReferences)))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&threshold, "spof-threshold", analytics.DefaultSPOFThreshold, "dependents above which a node is a single point of failure")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail on cycles and invalid references")
	return cmd
}

func printRisks(out io.Writer, r analytics.RiskReport) {
	section := func(title string, n int) {
		style := okStyle
		if n > 0 {
			style = errorStyle
		}
		headingStyle.Fprintf(out, "%s ", title)
		style.Fprintf(out, "(%d)\n", n)
	}

	section("Single points of failure", len(r.SinglePointsOfFailure))
	for _, s := range r.SinglePointsOfFailure {
		fmt.Fprintf(out, "  %s %s blocks %s\n", s.ID, s.Title, strings.Join(s.Dependents, ", "))
	}
	section("Cycles", len(r.Cycles))
	for _, c := range r.Cycles {
		fmt.Fprintf(out, "  %s\n", strings.Join(c.Path, " -> "))
	}
	section("Orphans", len(r.Orphans))
	if len(r.Orphans) > 0 {
		fmt.Fprintf(out, "  %s\n", strings.Join(r.Orphans, ", "))
	}
	section("Invalid references", len(r.InvalidReferences))
	for _, ref := range r.InvalidReferences {
		fmt.Fprintf(out, "  %s -%s-> %s\n", ref.From, ref.Kind, ref.To)
	}
}

func newImpactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "impact <id>",
		Short: "Show what depends on a node",
		Long: `Show the direct and transitive dependents of a node and the share of
outstanding work they represent.

Examples:
  htmlgraph analyze impact feat-1a2b3c4d`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(rootOpts, cmd, func(g *analytics.Graph, _ config.Config) error {
				imp, err := g.AnalyzeImpact(args[0])
				if err != nil {
					return storeError("failed to analyse impact", err)
				}
				return rootOpts.formatter(cmd).Success(imp, func(out io.Writer) {
					headingStyle.Fprintln(out, imp.ID)
					fmt.Fprintf(out, "  direct dependents:     %s\n", joinOrNone(imp.DirectDependents))
					fmt.Fprintf(out, "  transitive dependents: %s\n", joinOrNone(imp.TransitiveDependents))
					fmt.Fprintf(out, "  total impact:          %d of %d outstanding (%.2f%%)\n",
						imp.TotalImpact, imp.OutstandingNodes, imp.CompletionImpact)
				})
			})
		},
	}
}
