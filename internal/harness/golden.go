package harness

import (
	"sort"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/gantry-dev/gantry/internal/event"
)

// traceSnapshot is the canonical view of a scenario run that golden files
// compare against. Built as generic maps so event.MarshalCanonical applies
// its key ordering everywhere.
func traceSnapshot(scenario *Scenario, result *Result) map[string]any {
	trace := make([]any, len(result.Trace))
	for i, row := range result.Trace {
		trace[i] = map[string]any{
			"id":      row.ID,
			"type":    row.Type,
			"wp":      row.WP,
			"actor":   row.Actor,
			"clock":   row.Clock,
			"outcome": row.Outcome,
		}
	}

	lanes := make(map[string]any, len(result.Merge.Snapshot.WPs))
	for agg, wp := range result.Merge.Snapshot.WPs {
		lanes[agg] = string(wp.Lane)
	}

	superseded := make([]any, len(result.Merge.Superseded))
	for i, id := range result.Merge.Superseded {
		superseded[i] = id
	}

	ambiguities := make([]any, len(result.Merge.Ambiguities))
	for i, amb := range result.Merge.Ambiguities {
		ids := append([]string(nil), amb.EventIDs...)
		sort.Strings(ids)
		idList := make([]any, len(ids))
		for j, id := range ids {
			idList[j] = id
		}
		ambiguities[i] = map[string]any{
			"wp":     amb.Aggregate.String(),
			"lane":   string(amb.Lane),
			"events": idList,
		}
	}

	return map[string]any{
		"name":        scenario.Name,
		"trace":       trace,
		"lanes":       lanes,
		"superseded":  superseded,
		"ambiguities": ambiguities,
		"violations":  len(result.Merge.Violations),
	}
}

// RunWithGolden executes a scenario, fails the test on expectation
// errors, and compares the canonical trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		t.Fatalf("run scenario %s: %v", scenario.Name, err)
	}
	for _, msg := range result.Errors {
		t.Errorf("scenario %s: %s", scenario.Name, msg)
	}

	snapshot := traceSnapshot(scenario, result)
	data, err := event.MarshalCanonical(snapshot)
	if err != nil {
		t.Fatalf("marshal trace for %s: %v", scenario.Name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)

	return result
}
