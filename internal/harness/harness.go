package harness

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gantry-dev/gantry/internal/event"
	"github.com/gantry-dev/gantry/internal/merge"
	"github.com/gantry-dev/gantry/internal/reduce"
	"github.com/gantry-dev/gantry/internal/testutil"
)

// scenarioEpoch is the fixed base wall-clock for generated timestamps.
var scenarioEpoch = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

// TraceRow is one merged event with its replay outcome, in canonical
// order. The trace is what golden files compare.
type TraceRow struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	WP      string `json:"wp"`
	Actor   string `json:"actor"`
	Clock   int64  `json:"clock"`
	Outcome string `json:"outcome"`
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass indicates every expectation held.
	Pass bool `json:"pass"`

	// Errors lists expectation failures. Empty when Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Trace holds every merged event with its outcome, in replay order.
	Trace []TraceRow `json:"trace"`

	// Merge is the raw merge result for further inspection.
	Merge *merge.Result `json:"-"`
}

// AddError records an expectation failure and marks the result failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Run builds the scenario's events, merges all branches, replays them,
// and validates the expectations. The returned error covers scenario
// construction problems only; expectation failures land in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	events, err := buildEvents(scenario)
	if err != nil {
		return nil, err
	}

	res := merge.Replay(events)

	result := &Result{Pass: true, Merge: res}
	result.Trace = buildTrace(res)
	checkExpectations(scenario, res, result)
	return result, nil
}

// buildEvents materializes every branch's steps with deterministic
// defaults: a global id and timestamp sequence in declaration order, and
// a per-branch clock so same-branch events are causally ordered.
func buildEvents(scenario *Scenario) ([]event.Event, error) {
	ids := testutil.NewIDSequence("e")
	times := testutil.NewTimeSequence(scenarioEpoch, time.Minute)

	var events []event.Event
	for _, branch := range scenario.Branches {
		clk := testutil.NewDeterministicClock()
		for _, step := range branch.Events {
			id := step.ID
			if id == "" {
				id = ids.Next()
			} else {
				ids.Next() // keep generated ids aligned with step position
			}

			clock := step.Clock
			if clock == 0 {
				clock = clk.Next()
			} else {
				clk.Observe(clock)
			}

			at := times.Next()
			if step.At != "" {
				parsed, err := time.Parse(time.RFC3339, step.At)
				if err != nil {
					return nil, fmt.Errorf("branch %s event %s: bad at: %w", branch.Name, id, err)
				}
				at = parsed
			}

			ev, err := buildEvent(step, id, clock, at)
			if err != nil {
				return nil, fmt.Errorf("branch %s event %s: %w", branch.Name, id, err)
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// buildEvent goes through the wire codec so scenario payload maps get the
// same typed decoding as log lines.
func buildEvent(step EventStep, id string, clock int64, at time.Time) (event.Event, error) {
	envelope := map[string]any{
		"event_id":      id,
		"event_type":    step.Type,
		"aggregate_id":  step.WP,
		"lamport_clock": clock,
		"at":            at.Format(time.RFC3339Nano),
		"actor":         step.Actor,
	}
	if step.Reason != "" {
		envelope["reason"] = step.Reason
	}
	if step.Payload != nil {
		envelope["payload"] = step.Payload
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return event.Event{}, err
	}
	var ev event.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

func buildTrace(res *merge.Result) []TraceRow {
	outcomes := make(map[string]reduce.Outcome)
	for _, wp := range res.Snapshot.WPs {
		for _, entry := range wp.Audit {
			outcomes[entry.EventID] = entry.Outcome
		}
	}

	trace := make([]TraceRow, 0, len(res.Events))
	for _, ev := range res.Events {
		trace = append(trace, TraceRow{
			ID:      ev.ID,
			Type:    string(ev.Type),
			WP:      ev.Aggregate.String(),
			Actor:   ev.Actor,
			Clock:   ev.Lamport,
			Outcome: string(outcomes[ev.ID]),
		})
	}
	return trace
}

func checkExpectations(scenario *Scenario, res *merge.Result, result *Result) {
	for agg, wantLane := range scenario.Expect.Lanes {
		wp := res.Snapshot.WPs[agg]
		if wp == nil {
			result.AddError("wp %s: expected lane %s, wp never seen", agg, wantLane)
			continue
		}
		if string(wp.Lane) != wantLane {
			result.AddError("wp %s: expected lane %s, got %s", agg, wantLane, wp.Lane)
		}
	}

	for agg, wantOwner := range scenario.Expect.Owners {
		wp := res.Snapshot.WPs[agg]
		if wp == nil {
			result.AddError("wp %s: expected owner %s, wp never seen", agg, wantOwner)
			continue
		}
		if wp.Owner != wantOwner {
			result.AddError("wp %s: expected owner %q, got %q", agg, wantOwner, wp.Owner)
		}
	}

	if got := len(res.Violations); got != scenario.Expect.Violations {
		result.AddError("expected %d violation(s), got %d", scenario.Expect.Violations, got)
	}
	if got := len(res.Ambiguities); got != scenario.Expect.Ambiguities {
		result.AddError("expected %d ambiguit(ies), got %d", scenario.Expect.Ambiguities, got)
	}

	wantSup := append([]string(nil), scenario.Expect.Superseded...)
	gotSup := append([]string(nil), res.Superseded...)
	sort.Strings(wantSup)
	sort.Strings(gotSup)
	if len(wantSup) != len(gotSup) {
		result.AddError("expected superseded %v, got %v", wantSup, gotSup)
	} else {
		for i := range wantSup {
			if wantSup[i] != gotSup[i] {
				result.AddError("expected superseded %v, got %v", wantSup, gotSup)
				break
			}
		}
	}
}
