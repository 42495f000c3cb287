package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Shakes-tzd/htmlgraph/internal/broadcast"
	"github.com/Shakes-tzd/htmlgraph/internal/engine"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Push index changes to dashboards",
		Long: `Serve the broadcast stream and the catch-up API until interrupted.

Every change that reaches the index, from any process, is pushed once to
each connected observer as a server-sent event on /events. Observers that
fall behind are disconnected and catch up through:

  GET /api/overview
  GET /api/events/recent?limit=N
  GET /api/sessions/{id}/events?offset=N&limit=N

Examples:
  htmlgraph serve
  htmlgraph serve --addr 127.0.0.1:9000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())
	w, err := engine.OpenWorkspace(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open workspace", err)
	}
	defer w.Close()
	if err := requireIndex(w); err != nil {
		return err
	}

	addr := cfg.Broadcast.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	dispatcher := broadcast.NewDispatcher(w.Index,
		broadcast.WithPollInterval(cfg.Broadcast.PollInterval.D()),
		broadcast.WithBuffer(cfg.Broadcast.Buffer),
		broadcast.WithBatchSize(cfg.Broadcast.BatchSize),
		broadcast.WithRetention(cfg.Broadcast.Retention.D()),
		broadcast.WithLogger(logger),
	)
	server := broadcast.NewServer(dispatcher, w.Index,
		broadcast.WithSendTimeout(cfg.Broadcast.SendTimeout.D()),
		broadcast.WithServerLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(w.Recorder.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(dispatcher.Run(gctx)) })
	g.Go(func() error { return server.Serve(gctx, addr) })
	g.Go(func() error {
		select {
		case <-server.Ready():
			okStyle.Fprint(cmd.OutOrStdout(), "Serving ")
			fmt.Fprintf(cmd.OutOrStdout(), "http://%s/events\n", server.Addr())
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
