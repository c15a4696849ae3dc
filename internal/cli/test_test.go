package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const launchScenario = `name: launch_only
description: A participant launches and lands on the welcome step.
flow:
  - actor: alice
    action: launch
    expect: { outcome: ok, step: %d, phase: input }
assertions:
  - type: trace_contains
    action: alice.launch
`

func writeScenario(t *testing.T, dir, name string, step int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	body := []byte(fmt.Sprintf(launchScenario, step))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), body, 0644))
}

func runTestCommand(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCommand(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := runTestCommand(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenarios directory not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	buf, err := runTestCommand(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	buf, err := runTestCommand(t, "json", t.TempDir())
	require.NoError(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestTestCommandPassingScenario(t *testing.T) {
	scenarios := filepath.Join(t.TempDir(), "scenarios")
	writeScenario(t, scenarios, "launch_only", 1)

	buf, err := runTestCommand(t, "text", scenarios)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ launch_only")
	assert.Contains(t, buf.String(), "1 passed, 0 failed, 1 total")
}

func TestTestCommandFailingScenarioJSON(t *testing.T) {
	scenarios := filepath.Join(t.TempDir(), "scenarios")
	writeScenario(t, scenarios, "launch_only", 2)

	buf, err := runTestCommand(t, "json", scenarios)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var response struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &response))
	assert.Equal(t, "error", response.Status)
	require.NotNil(t, response.Error)
	assert.Equal(t, "E_TEST_FAILED", response.Error.Code)
	require.Len(t, response.Data.Scenarios, 1)
	assert.False(t, response.Data.Scenarios[0].Pass)
	assert.NotEmpty(t, response.Data.Scenarios[0].Errors)
}

func TestTestCommandUpdateThenCompareGolden(t *testing.T) {
	root := t.TempDir()
	scenarios := filepath.Join(root, "scenarios")
	writeScenario(t, scenarios, "launch_only", 1)

	_, err := runTestCommand(t, "text", scenarios, "--update")
	require.NoError(t, err)

	goldenPath := filepath.Join(root, "golden", "launch_only.golden")
	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario": "launch_only"`)

	_, err = runTestCommand(t, "text", scenarios)
	require.NoError(t, err, "trace matches the freshly written golden file")

	require.NoError(t, os.WriteFile(goldenPath, []byte("{}\n"), 0644))
	buf, err := runTestCommand(t, "text", scenarios)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "does not match golden file")
}

func TestTestCommandCustomGoldenDir(t *testing.T) {
	root := t.TempDir()
	scenarios := filepath.Join(root, "scenarios")
	golden := filepath.Join(root, "elsewhere")
	writeScenario(t, scenarios, "launch_only", 1)

	_, err := runTestCommand(t, "text", scenarios, "--update", "--golden", golden)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(golden, "launch_only.golden"))
}

func TestTestCommandHarnessScenarios(t *testing.T) {
	if testing.Short() {
		t.Skip("runs every harness scenario")
	}
	buf, err := runTestCommand(t, "text", filepath.Join("..", "harness", "testdata", "scenarios"))
	require.NoError(t, err, buf.String())
	assert.Contains(t, buf.String(), "All scenarios passed")
}

func TestTestHelpText(t *testing.T) {
	buf, err := runTestCommand(t, "text", "--help")
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "golden")
	assert.Contains(t, output, "--update")
	assert.Contains(t, output, "--filter")
	assert.Contains(t, output, "scenarios-dir")
}

func TestFindScenarioFiles(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test1.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test2.yml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ignore.txt"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestFindScenarioFilesWithFilter(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "sweep-idle.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "sweep-expire.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "approve-flow.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "sweep-*")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	for _, f := range files {
		assert.Contains(t, filepath.Base(f), "sweep-")
	}

	_, err = findScenarioFiles(tmpDir, "[")
	assert.Error(t, err, "malformed pattern")
}

func TestFindScenarioFilesSubdirectories(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0755))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "root.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "sub.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}
