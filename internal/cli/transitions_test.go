package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the CLI with the given args and captures both streams.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// testbed writes a workspace config into a temp dir and returns the
// config path plus the log root.
func testbed(t *testing.T, actor string) (configPath, logRoot string) {
	t.Helper()
	t.Setenv("GANTRY_ACTOR", "")

	dir := t.TempDir()
	logRoot = filepath.Join(dir, "status")
	configPath = filepath.Join(dir, "gantry.yaml")
	cfg := fmt.Sprintf("actor: %s\nlog_root: %s\n", actor, logRoot)
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))
	return configPath, logRoot
}

func eventsFile(logRoot, feature string) string {
	return filepath.Join(logRoot, feature, "status.events.jsonl")
}

func TestClaimAppendsOneEvent(t *testing.T) {
	cfgPath, logRoot := testbed(t, "agent-a")

	out, _, err := execute(t, "claim", "checkout/wp-01", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "claimed")
	assert.Contains(t, out, "checkout/wp-01")

	raw, err := os.ReadFile(eventsFile(logRoot, "checkout"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var stored map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &stored))
	assert.Equal(t, "claimed", stored["event_type"])
	assert.Equal(t, "agent-a", stored["actor"])
	assert.Equal(t, float64(1), stored["lamport_clock"])
}

func TestConflictingClaimRejected(t *testing.T) {
	cfgPath, logRoot := testbed(t, "agent-a")

	_, _, err := execute(t, "claim", "checkout/wp-01", "--config", cfgPath)
	require.NoError(t, err)

	before, err := os.ReadFile(eventsFile(logRoot, "checkout"))
	require.NoError(t, err)

	out, _, err := execute(t, "claim", "checkout/wp-01", "--config", cfgPath, "--actor", "agent-b")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "claim")

	// Nothing was written for the rejected attempt.
	after, err := os.ReadFile(eventsFile(logRoot, "checkout"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFullLifecycleViaCommands(t *testing.T) {
	cfgPath, _ := testbed(t, "agent-a")

	steps := [][]string{
		{"claim", "checkout/wp-01"},
		{"start", "checkout/wp-01", "--workspace", "../wt/wp-01"},
		{"review", "checkout/wp-01"},
		{"approve", "checkout/wp-01",
			"--repo", "api", "--commit", "4f2c91d",
			"--verify-cmd", "make test", "--verify-result", "pass",
			"--reviewer", "agent-r", "--review-ref", "reviews/wp-01.md"},
	}
	for _, step := range steps {
		args := append(step, "--config", cfgPath)
		_, _, err := execute(t, args...)
		require.NoError(t, err, "step %v", step)
	}

	out, _, err := execute(t, "status", "checkout", "--config", cfgPath, "--format", "json")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var report StatusReport
	require.NoError(t, json.Unmarshal(data, &report))

	require.Len(t, report.WPs, 1)
	assert.Equal(t, "done", report.WPs[0].Lane)
	assert.Equal(t, "agent-a", report.WPs[0].Owner)
	assert.Equal(t, int64(4), report.MaxLamport)
	assert.Zero(t, report.Violations)
}

func TestRejectSendsBackToInProgress(t *testing.T) {
	cfgPath, _ := testbed(t, "agent-a")

	for _, step := range [][]string{
		{"claim", "checkout/wp-02"},
		{"start", "checkout/wp-02", "--workspace", "wt"},
		{"review", "checkout/wp-02"},
		{"reject", "checkout/wp-02", "--review-ref", "reviews/wp-02.md", "--actor", "agent-r"},
	} {
		args := append(step, "--config", cfgPath)
		_, _, err := execute(t, args...)
		require.NoError(t, err, "step %v", step)
	}

	out, _, err := execute(t, "status", "checkout", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "in_progress")
}

func TestAbandonClearsOwner(t *testing.T) {
	cfgPath, _ := testbed(t, "agent-a")

	for _, step := range [][]string{
		{"claim", "checkout/wp-03"},
		{"start", "checkout/wp-03", "--workspace", "wt"},
		{"abandon", "checkout/wp-03", "--reason", "reassigning to specialist"},
	} {
		args := append(step, "--config", cfgPath)
		_, _, err := execute(t, args...)
		require.NoError(t, err, "step %v", step)
	}

	out, _, err := execute(t, "status", "checkout", "--config", cfgPath, "--format", "json")
	require.NoError(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	data, _ := json.Marshal(resp.Data)
	var report StatusReport
	require.NoError(t, json.Unmarshal(data, &report))

	require.Len(t, report.WPs, 1)
	assert.Equal(t, "planned", report.WPs[0].Lane)
	assert.Empty(t, report.WPs[0].Owner)
}

func TestForceRecordsBothLanes(t *testing.T) {
	cfgPath, logRoot := testbed(t, "operator")

	_, _, err := execute(t, "claim", "checkout/wp-04", "--config", cfgPath)
	require.NoError(t, err)

	_, _, err = execute(t, "force", "checkout/wp-04", "--to", "done",
		"--reason", "completed out of band", "--config", cfgPath)
	require.NoError(t, err)

	raw, err := os.ReadFile(eventsFile(logRoot, "checkout"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"from_lane":"claimed"`)
	assert.Contains(t, lines[1], `"to_lane":"done"`)
}

func TestForceRejectsUnknownLane(t *testing.T) {
	cfgPath, _ := testbed(t, "operator")

	_, _, err := execute(t, "force", "checkout/wp-05", "--to", "shipped",
		"--reason", "x", "--config", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestNoActorConfigured(t *testing.T) {
	cfgPath, _ := testbed(t, "")

	_, _, err := execute(t, "claim", "checkout/wp-06", "--config", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no actor configured")
}

func TestBlockUnblockRoundTrip(t *testing.T) {
	cfgPath, _ := testbed(t, "agent-a")

	for _, step := range [][]string{
		{"claim", "checkout/wp-07"},
		{"start", "checkout/wp-07", "--workspace", "wt"},
		{"block", "checkout/wp-07", "--blocker", "waiting on schema review"},
		{"unblock", "checkout/wp-07"},
	} {
		args := append(step, "--config", cfgPath)
		_, _, err := execute(t, args...)
		require.NoError(t, err, "step %v", step)
	}

	out, _, err := execute(t, "status", "checkout", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "in_progress")
}
