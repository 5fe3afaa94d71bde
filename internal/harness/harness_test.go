package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimStep(wp, actor string) EventStep {
	return EventStep{
		Type: "claimed", WP: wp, Actor: actor,
		Payload: map[string]any{"assignee": actor},
	}
}

func TestRunSingleBranch(t *testing.T) {
	scenario := &Scenario{
		Name:        "claim_only",
		Description: "claim moves a WP out of planned",
		Branches: []Branch{
			{Name: "main", Events: []EventStep{claimStep("checkout/wp-01", "agent-a")}},
		},
		Expect: Expect{
			Lanes:  map[string]string{"checkout/wp-01": "claimed"},
			Owners: map[string]string{"checkout/wp-01": "agent-a"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, "e1", result.Trace[0].ID)
	assert.Equal(t, int64(1), result.Trace[0].Clock)
	assert.Equal(t, "applied", result.Trace[0].Outcome)
}

func TestRunReportsExpectationFailures(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_lane",
		Description: "expectation mismatch is reported, not fatal",
		Branches: []Branch{
			{Name: "main", Events: []EventStep{claimStep("checkout/wp-01", "agent-a")}},
		},
		Expect: Expect{
			Lanes:      map[string]string{"checkout/wp-01": "done"},
			Violations: 3,
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Len(t, result.Errors, 2, "lane mismatch and violation count mismatch")
}

func TestRunConflictingClaims(t *testing.T) {
	scenario := &Scenario{
		Name:        "conflicting_claims",
		Description: "second concurrent claim is a violation, first owner keeps the WP",
		Branches: []Branch{
			{Name: "a", Events: []EventStep{claimStep("checkout/wp-01", "agent-a")}},
			{Name: "b", Events: []EventStep{claimStep("checkout/wp-01", "agent-b")}},
		},
		Expect: Expect{
			Lanes:      map[string]string{"checkout/wp-01": "claimed"},
			Owners:     map[string]string{"checkout/wp-01": "agent-a"},
			Violations: 1,
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestBuildEventsDefaults(t *testing.T) {
	scenario := &Scenario{
		Name:        "defaults",
		Description: "x",
		Branches: []Branch{
			{Name: "main", Events: []EventStep{
				claimStep("checkout/wp-01", "agent-a"),
				{Type: "state_entered", WP: "checkout/wp-01", Actor: "agent-a",
					Payload: map[string]any{"lane": "in_progress", "workspace_ref": "wt"}},
			}},
			{Name: "side", Events: []EventStep{
				{Type: "blocked", WP: "checkout/wp-02", Actor: "agent-b", Clock: 7},
			}},
		},
		Expect: Expect{Lanes: map[string]string{"checkout/wp-01": "in_progress"}},
	}

	events, err := buildEvents(scenario)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Global id sequence, per-branch clocks, explicit clock honored.
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)
	assert.Equal(t, "e3", events[2].ID)
	assert.Equal(t, int64(1), events[0].Lamport)
	assert.Equal(t, int64(2), events[1].Lamport)
	assert.Equal(t, int64(7), events[2].Lamport)
	assert.True(t, events[0].At.Before(events[1].At))
	assert.True(t, events[1].At.Before(events[2].At))
}

func TestLoadScenarioRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	content := `name: bad
description: "typo in expect"
branches:
  - name: main
    events:
      - type: claimed
        wp: f/w
        actor: a
expects:
  lanes:
    f/w: claimed
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects")
}

func TestLoadScenarioValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Scenario)
		wantErr string
	}{
		{"missing name", func(s *Scenario) { s.Name = "" }, "name is required"},
		{"no branches", func(s *Scenario) { s.Branches = nil }, "branches"},
		{"unknown type", func(s *Scenario) { s.Branches[0].Events[0].Type = "promoted" }, "unknown event type"},
		{"bad aggregate", func(s *Scenario) { s.Branches[0].Events[0].WP = "no-slash" }, "aggregate"},
		{"no lanes", func(s *Scenario) { s.Expect.Lanes = nil }, "expect.lanes"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Scenario{
				Name:        "ok",
				Description: "d",
				Branches: []Branch{
					{Name: "main", Events: []EventStep{claimStep("checkout/wp-01", "agent-a")}},
				},
				Expect: Expect{Lanes: map[string]string{"checkout/wp-01": "claimed"}},
			}
			tc.mutate(s)
			err := validateScenario(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadScenarioFromFile(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/rollback_wins.yaml")
	require.NoError(t, err)
	assert.Equal(t, "rollback_wins", scenario.Name)
	assert.Len(t, scenario.Branches, 2)
	assert.Equal(t, []string{"e4"}, scenario.Expect.Superseded)
}
