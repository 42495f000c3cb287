package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Shakes-tzd/htmlgraph/internal/harness"
)

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
	Report string   `json:"report,omitempty"`
}

// ScenarioRun summarises a scenario command invocation.
type ScenarioRun struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
}

// NewScenarioCommand creates the scenario command. It needs no workspace:
// each scenario runs against a throwaway store.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		filter     string
		showReport bool
	)

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>",
		Short: "Run scenario files against a scratch workspace",
		Long: `Replay YAML scenarios (nodes, sessions, assertions) against a scratch
workspace and check their assertions.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing path, bad filter)

Examples:
  htmlgraph scenario ./scenarios
  htmlgraph scenario ./scenarios --filter "release-*"
  htmlgraph scenario plan.yaml --report`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := findScenarioFiles(args[0], filter)
			if err != nil {
				return err
			}

			run := ScenarioRun{Scenarios: make([]ScenarioResult, 0, len(files))}
			for _, path := range files {
				res := runScenarioFile(cmd.Context(), path, showReport)
				run.Scenarios = append(run.Scenarios, res)
				if res.Pass {
					run.Passed++
				} else {
					run.Failed++
				}
			}

			if err := rootOpts.formatter(cmd).Success(run, func(out io.Writer) {
				renderScenarioRun(out, run)
			}); err != nil {
				return err
			}
			if run.Failed > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", run.Failed, len(files)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "only run scenarios whose file name matches this glob")
	cmd.Flags().BoolVar(&showReport, "report", false, "include the rendered analytics report")
	return cmd
}

// findScenarioFiles returns path itself when it is a file, or every .yaml
// and .yml file below it.
func findScenarioFiles(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "scenario path not found", err)
	}
	if filter != "" {
		if _, err := filepath.Match(filter, "x"); err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid filter pattern", err)
		}
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := filepath.Ext(p)
		if d.IsDir() || (ext != ".yaml" && ext != ".yml") {
			return nil
		}
		if filter != "" {
			if ok, _ := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext)); !ok {
				return nil
			}
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to scan scenarios", err)
	}
	return files, nil
}

func runScenarioFile(ctx context.Context, path string, withReport bool) ScenarioResult {
	if ctx == nil {
		ctx = context.Background()
	}
	name := filepath.Base(path)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return ScenarioResult{Name: name, Errors: []string{err.Error()}}
	}

	dir, err := os.MkdirTemp("", "htmlgraph-scenario-*")
	if err != nil {
		return ScenarioResult{Name: scenario.Name, Errors: []string{err.Error()}}
	}
	defer os.RemoveAll(dir)

	result, err := harness.Run(ctx, scenario, dir)
	if err != nil {
		return ScenarioResult{Name: scenario.Name, Errors: []string{fmt.Sprintf("execution failed: %v", err)}}
	}

	res := ScenarioResult{Name: scenario.Name, Pass: result.Pass, Errors: result.Errors}
	if withReport {
		res.Report = result.Report.String()
	}
	return res
}

func renderScenarioRun(out io.Writer, run ScenarioRun) {
	if len(run.Scenarios) == 0 {
		dimStyle.Fprintln(out, "No scenarios found.")
		return
	}
	for _, s := range run.Scenarios {
		if s.Pass {
			okStyle.Fprint(out, "PASS ")
		} else {
			errorStyle.Fprint(out, "FAIL ")
		}
		fmt.Fprintln(out, s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(out, "  %s\n", strings.ReplaceAll(e, "\n", "\n  "))
		}
		if s.Report != "" {
			fmt.Fprint(out, s.Report)
		}
	}
	fmt.Fprintf(out, "\n%d passed, %d failed\n", run.Passed, run.Failed)
}
