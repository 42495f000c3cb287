package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Shakes-tzd/htmlgraph/internal/engine"
	"github.com/Shakes-tzd/htmlgraph/internal/index"
	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// NewIndexCommand creates the index command group.
func NewIndexCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Maintain and query the analytics index",
	}
	cmd.AddCommand(newIndexRebuildCommand(rootOpts))
	cmd.AddCommand(newIndexOverviewCommand(rootOpts))
	return cmd
}

// requireIndex fails when the workspace runs without an index.
func requireIndex(w *engine.Workspace) error {
	if w.Index == nil {
		return NewExitError(ExitCommandError, "analytics index is not available")
	}
	return nil
}

// RebuildResult is the output of index rebuild.
type RebuildResult struct {
	index.RebuildStats
	DurationMS int64 `json:"duration_ms"`
}

func newIndexRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index from documents and journals",
		Long: `Replay every node document, session record and event journal into a
scratch index, then replace the live tables with it in one transaction.
Running serve processes keep working; broadcast rows are left in place.

Examples:
  htmlgraph index rebuild`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := rootOpts.openWorkspace(ctx, cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			if err := requireIndex(w); err != nil {
				return err
			}

			start := time.Now()
			stats, err := w.Rebuild(ctx)
			if err != nil {
				return storeError("failed to rebuild index", err)
			}
			result := RebuildResult{RebuildStats: stats, DurationMS: time.Since(start).Milliseconds()}
			return rootOpts.formatter(cmd).Success(result, func(out io.Writer) {
				okStyle.Fprint(out, "Rebuilt index: ")
				fmt.Fprintf(out, "%d nodes, %d sessions, %d events\n", stats.Nodes, stats.Sessions, stats.Events)
			})
		},
	}
}

// OverviewResult is the output of index overview.
type OverviewResult struct {
	index.Overview
	TopTools []index.Count `json:"top_tools"`
	TopNodes []index.Count `json:"top_nodes"`
}

func newIndexOverviewCommand(rootOpts *RootOptions) *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Summarise nodes, sessions and activity",
		Long: `Show node counts by status and type, session and event totals, and the
most used tools and most touched nodes.

Examples:
  htmlgraph index overview
  htmlgraph index overview --top 10 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := rootOpts.openWorkspace(ctx, cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			if err := requireIndex(w); err != nil {
				return err
			}

			result, err := overview(ctx, w.Index, top)
			if err != nil {
				return storeError("failed to read index", err)
			}
			return rootOpts.formatter(cmd).Success(result, func(out io.Writer) { printOverview(out, result) })
		},
	}
	cmd.Flags().IntVar(&top, "top", 5, "entries in each ranking")
	return cmd
}

func overview(ctx context.Context, ix *index.Index, top int) (OverviewResult, error) {
	ov, err := ix.Overview(ctx)
	if err != nil {
		return OverviewResult{}, err
	}
	tools, err := ix.TopTools(ctx, top)
	if err != nil {
		return OverviewResult{}, err
	}
	nodes, err := ix.TopNodes(ctx, top)
	if err != nil {
		return OverviewResult{}, err
	}
	return OverviewResult{Overview: ov, TopTools: tools, TopNodes: nodes}, nil
}

func printOverview(out io.Writer, r OverviewResult) {
	headingStyle.Fprintln(out, "Nodes")
	fmt.Fprintf(out, "  %d live, %d deleted, %d edges\n", r.Nodes, r.DeletedNodes, r.Edges)
	for _, k := range ir.SortedKeys(r.NodesByStatus) {
		fmt.Fprintf(out, "  ")
		statusStyle(ir.Status(k)).Fprintf(out, "%-12s", k)
		fmt.Fprintf(out, " %d\n", r.NodesByStatus[k])
	}
	for _, k := range ir.SortedKeys(r.NodesByType) {
		fmt.Fprintf(out, "  %-12s %d\n", k, r.NodesByType[k])
	}

	headingStyle.Fprintln(out, "Activity")
	fmt.Fprintf(out, "  %d sessions (%d active), %d events\n", r.Sessions, r.ActiveSessions, r.Events)
	if r.LastEventAt != nil {
		fmt.Fprintf(out, "  last event %s\n", r.LastEventAt.Format(time.RFC3339))
	}
	ranking := func(title string, counts []index.Count) {
		if len(counts) == 0 {
			return
		}
		labelStyle.Fprintf(out, "  %s\n", title)
		for _, c := range counts {
			name := c.Key
			if c.Label != "" {
				name = fmt.Sprintf("%s (%s)", c.Key, c.Label)
			}
			fmt.Fprintf(out, "    %-32s %d\n", name, c.Count)
		}
	}
	ranking("top tools", r.TopTools)
	ranking("top nodes", r.TopNodes)
}
