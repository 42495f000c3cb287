package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/session"
)

// NewSessionCommand creates the session command group. Host hooks call
// start and end; clear is called before the host wipes its context.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Track agent session boundaries",
	}
	cmd.AddCommand(newSessionStartCommand(rootOpts))
	cmd.AddCommand(newSessionEndCommand(rootOpts))
	cmd.AddCommand(newSessionClearCommand(rootOpts))
	cmd.AddCommand(newSessionListCommand(rootOpts))
	return cmd
}

// requireSession returns the configured session id or a usage error.
func requireSession(id string) error {
	if id == "" {
		return NewExitError(ExitCommandError, "no session: pass --session or set HTMLGRAPH_SESSION_ID")
	}
	return nil
}

func newSessionStartCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Record the start of a session",
		Long: `Record that the host is running the given session and classify how it
relates to the previous one: startup, resumed, post_compact or cleared.
A different session still active is superseded and ended.

Examples:
  htmlgraph session start --session s1 --agent claude`,
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
			if err := requireSession(w.Config.Session); err != nil {
				return err
			}

			tr, err := w.Recorder.StartSession(ctx, w.Config.Session, w.Config.Agent)
			if err != nil {
				return storeError("failed to start session", err)
			}
			return rootOpts.formatter(cmd).Success(tr, func(out io.Writer) { printTransition(out, tr) })
		},
	}
}

func printTransition(out io.Writer, tr session.Transition) {
	okStyle.Fprint(out, "Session ")
	fmt.Fprintf(out, "%s started ", tr.Session.SessionID)
	labelStyle.Fprintf(out, "(%s)\n", tr.Continuity)
	if tr.Session.PreviousSessionID != "" {
		dimStyle.Fprintf(out, "  previous: %s\n", tr.Session.PreviousSessionID)
	}
	if tr.Superseded != nil {
		dimStyle.Fprintf(out, "  superseded %s after %d events\n", tr.Superseded.SessionID, tr.Superseded.EventCount)
	}
}

func newSessionEndCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "end",
		Short: "Record the end of a session",
		Long: `Mark the session ended and store the number of events in its journal.

Examples:
  htmlgraph session end --session s1`,
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
			if err := requireSession(w.Config.Session); err != nil {
				return err
			}

			sess, err := w.Recorder.EndSession(ctx, w.Config.Session)
			if err != nil {
				return storeError("failed to end session", err)
			}
			return rootOpts.formatter(cmd).Success(sess, func(out io.Writer) {
				okStyle.Fprint(out, "Session ")
				fmt.Fprintf(out, "%s ended after %d events\n", sess.SessionID, sess.EventCount)
			})
		},
	}
}

func newSessionClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Mark that the host is clearing its context",
		Long: `Leave a marker so the next session start is classified as cleared.

Examples:
  htmlgraph session clear`,
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

			if err := w.Sessions.MarkClear(); err != nil {
				return storeError("failed to mark clear", err)
			}
			return rootOpts.formatter(cmd).Success(map[string]bool{"cleared": true}, func(out io.Writer) {
				fmt.Fprintln(out, "Next session start will be classified as cleared")
			})
		},
	}
}

func newSessionListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Long: `List every session record.

Examples:
  htmlgraph session list
  htmlgraph session list --format json`,
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

			sessions, err := w.Sessions.List(ctx)
			if err != nil {
				return storeError("failed to list sessions", err)
			}
			if sessions == nil {
				sessions = []ir.Session{}
			}
			return rootOpts.formatter(cmd).Success(sessions, func(out io.Writer) {
				if len(sessions) == 0 {
					dimStyle.Fprintln(out, "No sessions recorded")
					return
				}
				for _, s := range sessions {
					style := dimStyle
					if s.Status == ir.SessionActive {
						style = okStyle
					}
					fmt.Fprintf(out, "%-24s ", s.SessionID)
					style.Fprintf(out, "%-7s", s.Status)
					fmt.Fprintf(out, " %-8s %5d events  %s\n", s.Source, s.EventCount, s.StartedAt.Format("2006-01-02 15:04"))
				}
			})
		},
	}
}
