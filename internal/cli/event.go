package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Shakes-tzd/htmlgraph/internal/engine"
	"github.com/Shakes-tzd/htmlgraph/internal/eventlog"
	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// NewEventCommand creates the event command group.
func NewEventCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Record and read agent activity",
	}
	cmd.AddCommand(newEventRecordCommand(rootOpts))
	cmd.AddCommand(newEventListCommand(rootOpts))
	cmd.AddCommand(newEventStatsCommand(rootOpts))
	return cmd
}

// EventRecordOptions holds flags for event record.
type EventRecordOptions struct {
	*RootOptions
	Tool       string
	Status     string
	Node       string
	Parent     string
	Input      string
	Output     string
	DurationMS int64
	Tokens     int64
	Context    map[string]string
}

func newEventRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventRecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append an event to the current session",
		Long: `Append one event to the journal of the current session. The parent
defaults to $HTMLGRAPH_PARENT_EVENT, then the session root. In text mode
the new event id is printed alone so it can be handed to a child process.

Examples:
  htmlgraph event record --session s1 --tool Edit --node feat-1a2b3c4d --input login.go
  PARENT=$(htmlgraph event record --tool Task --status started)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventRecord(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tool, "tool", "", "tool name (required)")
	_ = cmd.MarkFlagRequired("tool")
	cmd.Flags().StringVar(&opts.Status, "status", string(ir.EventOK), "ok, error or started")
	cmd.Flags().StringVar(&opts.Node, "node", "", "node the action worked on")
	cmd.Flags().StringVar(&opts.Parent, "parent", "", "parent event id")
	cmd.Flags().StringVar(&opts.Input, "input", "", "input summary")
	cmd.Flags().StringVar(&opts.Output, "output", "", "output summary")
	cmd.Flags().Int64Var(&opts.DurationMS, "duration-ms", 0, "duration in milliseconds")
	cmd.Flags().Int64Var(&opts.Tokens, "tokens", 0, "token cost")
	cmd.Flags().StringToStringVar(&opts.Context, "context", nil, "extra context (key=value)")

	return cmd
}

func runEventRecord(opts *EventRecordOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	w, err := opts.openWorkspace(ctx, cmd)
	if err != nil {
		return err
	}
	defer w.Close()

	actor := w.Actor()
	if !actor.InSession() {
		return NewExitError(ExitCommandError, "no session: pass --session or set HTMLGRAPH_SESSION_ID")
	}
	parent := actor.Parent()
	if opts.Parent != "" {
		parent = opts.Parent
	}
	ev, err := w.Recorder.Record(ctx, actor.SessionID, ir.Event{
		ParentEventID: parent,
		AgentID:       actor.AgentID,
		ToolName:      opts.Tool,
		Status:        ir.EventStatus(opts.Status),
		NodeID:        opts.Node,
		InputSummary:  opts.Input,
		OutputSummary: opts.Output,
		DurationMS:    opts.DurationMS,
		CostTokens:    opts.Tokens,
		Context:       opts.Context,
	})
	if err != nil {
		return storeError("failed to record event", err)
	}
	return opts.formatter(cmd).Success(ev, func(out io.Writer) {
		fmt.Fprintln(out, ev.EventID)
	})
}

// EventListOptions holds flags for event list.
type EventListOptions struct {
	*RootOptions
	Offset  int
	Limit   int
	Reverse bool
	Node    string
}

func newEventListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events",
		Long: `List events of one session from its journal, in sequence order.
--node lists the events that touched a node across sessions, oldest first;
it reads the analytics index.

Examples:
  htmlgraph event list --session s1
  htmlgraph event list --session s1 --reverse --limit 10
  htmlgraph event list --node feat-1a2b3c4d`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventList(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "events to skip")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum events (0 = all)")
	cmd.Flags().BoolVar(&opts.Reverse, "reverse", false, "newest first")
	cmd.Flags().StringVar(&opts.Node, "node", "", "events that touched this node")

	return cmd
}

func runEventList(opts *EventListOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	w, err := opts.openWorkspace(ctx, cmd)
	if err != nil {
		return err
	}
	defer w.Close()

	events, err := listEvents(ctx, opts, w)
	if err != nil {
		return err
	}
	return opts.formatter(cmd).Success(events, func(out io.Writer) {
		if len(events) == 0 {
			dimStyle.Fprintln(out, "No events found")
			return
		}
		for _, ev := range events {
			printEvent(out, ev)
		}
	})
}

func listEvents(ctx context.Context, opts *EventListOptions, w *engine.Workspace) ([]ir.Event, error) {
	if opts.Node != "" {
		if w.Index == nil {
			return nil, NewExitError(ExitCommandError, "listing by node needs the analytics index")
		}
		events, err := w.Index.NodeEvents(ctx, opts.Node, opts.Limit)
		if err != nil {
			return nil, storeError("failed to read node events", err)
		}
		return events, nil
	}

	sid := w.Config.Session
	if sid == "" {
		return nil, NewExitError(ExitCommandError, "no session: pass --session or set HTMLGRAPH_SESSION_ID")
	}
	read := w.Events.Read
	if opts.Reverse {
		read = w.Events.ReadReverse
	}
	events, err := read(ctx, sid, opts.Offset, opts.Limit)
	if err != nil {
		return nil, storeError("failed to read journal", err)
	}
	return events, nil
}

func printEvent(out io.Writer, ev ir.Event) {
	dimStyle.Fprintf(out, "%4d ", ev.Seq)
	fmt.Fprintf(out, "%s %-12s ", ev.Timestamp.Format("15:04:05"), ev.ToolName)
	if ev.Status == ir.EventError {
		errorStyle.Fprintf(out, "%-7s", ev.Status)
	} else {
		okStyle.Fprintf(out, "%-7s", ev.Status)
	}
	var extra []string
	if ev.NodeID != "" {
		extra = append(extra, "node="+ev.NodeID)
	}
	if ev.InputSummary != "" {
		extra = append(extra, ev.InputSummary)
	}
	fmt.Fprintf(out, " %s %s\n", ev.EventID, strings.Join(extra, " "))
}

func newEventStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise a session journal",
		Long: `Count the events of one session by tool, node, status and agent.

Examples:
  htmlgraph event stats --session s1
  htmlgraph event stats --session s1 --format json`,
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

			if w.Config.Session == "" {
				return NewExitError(ExitCommandError, "no session: pass --session or set HTMLGRAPH_SESSION_ID")
			}
			stats, err := w.Events.Stats(ctx, w.Config.Session)
			if err != nil {
				return storeError("failed to read journal", err)
			}
			return rootOpts.formatter(cmd).Success(stats, func(out io.Writer) { printStats(out, stats) })
		},
	}
}

func printStats(out io.Writer, st eventlog.Stats) {
	headingStyle.Fprintf(out, "Session %s\n", st.SessionID)
	fmt.Fprintf(out, "  events:   %d (last seq %d)\n", st.EventCount, st.LastSeq)
	fmt.Fprintf(out, "  duration: %dms\n", st.TotalDurationMS)
	fmt.Fprintf(out, "  tokens:   %d\n", st.TotalTokens)
	histogram := func(label string, counts map[string]int) {
		if len(counts) == 0 {
			return
		}
		labelStyle.Fprintf(out, "  %s\n", label)
		for _, k := range ir.SortedKeys(counts) {
			fmt.Fprintf(out, "    %-20s %d\n", k, counts[k])
		}
	}
	byStatus := make(map[string]int, len(st.ByStatus))
	for k, v := range st.ByStatus {
		byStatus[string(k)] = v
	}
	histogram("by tool", st.ByTool)
	histogram("by node", st.ByNode)
	histogram("by status", byStatus)
	histogram("by agent", st.ByAgent)
}
