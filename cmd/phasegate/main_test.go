package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	t.Setenv("PHASEGATE_TRAJECTORY_PATH", filepath.Join(t.TempDir(), "trajectory.db"))
	t.Setenv("PHASEGATE_SNAPSHOT_PATH", filepath.Join(t.TempDir(), "snapshots"))
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestReplayCommand_Baseline(t *testing.T) {
	out := filepath.Join(t.TempDir(), "transitions.jsonl")
	err := run(t, "replay", "--fixture", filepath.Join("..", "..", "internal", "replay", "testdata", "baseline.json"), "--out", out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestReplayCommand_Divergence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.json")
	body := `{"steps": [{"id": "g1", "gate": {"agent_id": "a1", "action_id": "x"}, "expect": "block"}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	err := run(t, "replay", "--fixture", path, "--out", "")
	assert.ErrorContains(t, err, "1 of 1 steps diverge")
}

func TestExportImportCommands(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "export.jsonl")
	require.NoError(t, run(t, "export", "--file", dump))
	require.NoError(t, run(t, "import", "--file", dump))
}

func TestReviewCommand_RequiresReviewer(t *testing.T) {
	err := run(t, "review", "a1", "--reviewer", "")
	assert.ErrorContains(t, err, "--reviewer is required")
}
