package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Shakes-tzd/htmlgraph/internal/config"
	"github.com/Shakes-tzd/htmlgraph/internal/engine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Root    string
	Session string
	Agent   string

	getenv func(string) string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the htmlgraph CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "htmlgraph",
		Short: "HtmlGraph - work tracking for coding agents",
		Long: `Track features, bugs and chores as HTML documents, record what agents
do in per-session journals, and analyse the dependency graph between them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Root, "root", "", "project root (default: $HTMLGRAPH_ROOT or nearest .htmlgraph)")
	cmd.PersistentFlags().StringVar(&opts.Session, "session", "", "session id (default: $HTMLGRAPH_SESSION_ID)")
	cmd.PersistentFlags().StringVar(&opts.Agent, "agent", "", "agent id (default: $HTMLGRAPH_AGENT)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewNodeCommand(opts))
	cmd.AddCommand(NewEventCommand(opts))
	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewIndexCommand(opts))
	cmd.AddCommand(NewAnalyzeCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMCPCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

func (o *RootOptions) env(key string) string {
	if o.getenv != nil {
		return o.getenv(key)
	}
	return os.Getenv(key)
}

// loadConfig resolves the project root and its configuration, then applies
// the session and agent flags.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to read working directory", err)
	}
	root, err := config.FindRoot(o.Root, o.env, cwd)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to find project root", err)
	}
	cfg, err := config.Load(root, o.env)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Session != "" {
		cfg.Session = o.Session
	}
	if o.Agent != "" {
		cfg.Agent = o.Agent
	}
	return cfg, nil
}

// newLogger writes text logs to w. Verbose lowers the level to debug.
func (o *RootOptions) newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openWorkspace opens the workspace for a short-lived command. Index
// ingestion runs inline so every write is visible before the process exits.
func (o *RootOptions) openWorkspace(ctx context.Context, cmd *cobra.Command) (*engine.Workspace, error) {
	return o.openWorkspaceWith(ctx, cmd, engine.WithSyncIngest())
}

func (o *RootOptions) openWorkspaceWith(ctx context.Context, cmd *cobra.Command, opts ...engine.Option) (*engine.Workspace, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	w, err := engine.OpenWorkspace(ctx, cfg, o.newLogger(cfg, cmd.ErrOrStderr()), opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open workspace", err)
	}
	return w, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
