package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Shakes-tzd/htmlgraph/internal/config"
	"github.com/Shakes-tzd/htmlgraph/internal/engine"
)

// InitResult is the output of the init command.
type InitResult struct {
	Root       string `json:"root"`
	ConfigPath string `json:"config_path"`
	IndexPath  string `json:"index_path"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a workspace",
		Long: `Create the .htmlgraph state directory with a default config.yaml and
an empty analytics index. Running it again keeps the existing config.

Examples:
  htmlgraph init
  htmlgraph init ./my-project --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := rootOpts.Root
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(rootOpts, cmd, dir)
		},
	}
}

func runInit(opts *RootOptions, cmd *cobra.Command, dir string) error {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read working directory", err)
		}
		dir = wd
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid directory", err)
	}
	path, err := config.Init(root)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialise workspace", err)
	}

	cfg, err := config.Load(root, opts.env)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	w, err := engine.OpenWorkspace(context.Background(), cfg, opts.newLogger(cfg, cmd.ErrOrStderr()), engine.WithSyncIngest())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open workspace", err)
	}
	if err := w.Close(); err != nil {
		return WrapExitError(ExitCommandError, "failed to close workspace", err)
	}

	result := InitResult{Root: root, ConfigPath: path, IndexPath: cfg.IndexPath()}
	return opts.formatter(cmd).Success(result, func(out io.Writer) {
		okStyle.Fprintf(out, "Initialised workspace in %s\n", root)
		fmt.Fprintf(out, "  config: %s\n", path)
		fmt.Fprintf(out, "  index:  %s\n", cfg.IndexPath())
	})
}
