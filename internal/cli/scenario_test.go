package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const failingScenario = `
name: failing
description: "Blocked work is never recommended"
nodes:
  - key: base
    title: Base
  - key: top
    title: Top
    depends_on: [base]
assertions:
  - type: recommended
    nodes: [top]
`

func TestScenario_HarnessTestdata(t *testing.T) {
	root := createTestRoot(t)

	out := mustRun(t, root, "--format", "json", "scenario", filepath.Join("..", "harness", "testdata", "scenarios"))
	run := decode[ScenarioRun](t, out)
	assert.Equal(t, 0, run.Failed)
	assert.Equal(t, len(run.Scenarios), run.Passed)
	assert.NotEmpty(t, run.Scenarios)
}

func TestScenario_FilterAndReport(t *testing.T) {
	root := createTestRoot(t)
	dir := filepath.Join("..", "harness", "testdata", "scenarios")

	out := mustRun(t, root, "scenario", dir, "--filter", "release_*", "--report")
	assert.Contains(t, out, "PASS release_plan")
	assert.Contains(t, out, "nodes: 8 (1 deleted)")
	assert.NotContains(t, out, "cycle_and_dangling")
	assert.Contains(t, out, "1 passed, 0 failed")
}

func TestScenario_Failure(t *testing.T) {
	root := createTestRoot(t)
	path := filepath.Join(t.TempDir(), "failing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(failingScenario), 0o644))

	out, err := run(t, root, "scenario", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL failing")
	assert.Contains(t, out, "Expected: top")
}

func TestScenario_BadInput(t *testing.T) {
	root := createTestRoot(t)

	_, err := run(t, root, "scenario", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = run(t, root, "scenario", t.TempDir(), "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: x\n"), 0o644))
	out, err := run(t, root, "scenario", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL broken.yaml")
}
