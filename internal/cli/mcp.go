package cli

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/Shakes-tzd/htmlgraph/internal/mcptools"
)

// Version is reported to MCP clients. Release builds set it with -ldflags.
var Version = "dev"

// NewMCPCommand creates the mcp command.
func NewMCPCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the analytics tools over MCP (stdio)",
		Long: `Run a Model Context Protocol server on stdin/stdout exposing the
dependency analytics and activity queries as read-only tools. Logs go to
stderr so they never corrupt the protocol stream.

Examples:
  htmlgraph mcp
  claude mcp add htmlgraph -- htmlgraph mcp --root /path/to/project`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMCP(ctx, rootOpts, cmd, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runMCP(ctx context.Context, opts *RootOptions, cmd *cobra.Command, stdin io.Reader, stdout io.Writer) error {
	w, err := opts.openWorkspace(ctx, cmd)
	if err != nil {
		return err
	}
	defer w.Close()

	// A nil *index.Index must not reach the interface.
	var activity mcptools.ActivityIndex
	if w.Index != nil {
		activity = w.Index
	}
	s := mcptools.New(Version, w, activity, w.Config.Analytics.SPOFThreshold)

	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(log.New(cmd.ErrOrStderr(), "mcp: ", log.LstdFlags))
	if err := stdio.Listen(ctx, stdin, stdout); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "mcp server failed", err)
	}
	return nil
}
