// Package merge combines status event logs that evolved on independent
// branches into one consistent, materialized state.
//
// The algorithm is four deterministic steps: concatenate both logs,
// deduplicate by event id (shared history via the common ancestor), sort by
// the three-key total order (lamport_clock, at, event_id), then reduce with
// rollback-aware precedence. The result is identical whichever argument
// order the logs arrive in, and re-merging a merged log is a no-op.
//
// Rollback precedence exists to prevent one specific failure mode: a
// reviewer's rollback being silently overridden by concurrent forward
// progress. "Most-advanced-lane-wins" is exactly what this package must
// never do. When a rollback and a forward transition leave the same
// originating lane on different branches, the rollback is applied and the
// forward event is marked superseded: recorded in the audit trail, not
// discarded, not a guard violation.
//
// Two concurrent rollbacks have no precedence rule between them; the
// three-key sort decides, and the later one replays as an ordinary guard
// violation. Two concurrent forced transitions with no rollback on either
// side cannot be ranked at all and are escalated as ambiguities for a human
// decision.
package merge

import (
	"fmt"
	"slices"

	"github.com/gantry-dev/gantry/internal/event"
	"github.com/gantry-dev/gantry/internal/lifecycle"
	"github.com/gantry-dev/gantry/internal/reduce"
)

// Ambiguity reports two concurrent forced transitions out of the same lane,
// neither of which carries rollback precedence. Never auto-resolved.
type Ambiguity struct {
	Aggregate event.AggregateID `json:"aggregate_id"`
	Lane      lifecycle.Lane    `json:"lane"`
	EventIDs  []string          `json:"event_ids"`
	Actors    []string          `json:"actors"`
}

func (a *Ambiguity) Error() string {
	return fmt.Sprintf("merge ambiguity: wp %s: concurrent forced transitions out of %s by %v (events %v)",
		a.Aggregate, a.Lane, a.Actors, a.EventIDs)
}

// Result is the outcome of a merge.
type Result struct {
	// Events is the merged log: both inputs, deduplicated, in canonical
	// total order. Every event from either input is present.
	Events []event.Event
	// Snapshot is the materialized state after reduce-with-precedence.
	Snapshot *reduce.Snapshot
	// Violations are guard failures surviving precedence resolution.
	Violations []lifecycle.GuardViolation
	// Superseded lists the ids of events outranked by a concurrent
	// reviewer rollback. The events themselves stay in Events.
	Superseded []string
	// Ambiguities are escalations that need a human decision.
	Ambiguities []Ambiguity
}

// Clean reports whether the merge resolved without violations or
// ambiguities.
func (r *Result) Clean() bool {
	return len(r.Violations) == 0 && len(r.Ambiguities) == 0
}

// Merge combines two branch logs. Commutative: Merge(a, b) and Merge(b, a)
// produce the same snapshot, violations, superseded set, and ambiguities.
func Merge(a, b []event.Event) *Result {
	combined := make([]event.Event, 0, len(a)+len(b))
	combined = append(combined, a...)
	combined = append(combined, b...)
	return Replay(combined)
}

// Replay runs the dedupe/sort/reduce-with-precedence pipeline over an
// already-combined event set. Merge is Replay over the concatenation;
// re-running Replay on a merged log is idempotent.
func Replay(events []event.Event) *Result {
	merged := Sort(Dedupe(events))

	byID := make(map[string]event.Event, len(merged))
	for _, ev := range merged {
		byID[ev.ID] = ev
	}

	// Fixpoint: each pass may discover that an already-applied forward
	// event must yield to a later-sorted rollback; superseding it changes
	// the replay, so reduce again. The superseded set only grows, so this
	// terminates within len(merged) passes.
	superseded := make(map[string]bool)
	var snap *reduce.Snapshot
	var violations []lifecycle.GuardViolation
	for pass := 0; pass <= len(merged); pass++ {
		snap, violations = reduce.ReduceWithSuperseded(merged, superseded)
		changed := false
		for _, v := range violations {
			loser, ok := precedenceLoser(snap, byID, v)
			if ok && !superseded[loser] {
				superseded[loser] = true
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	result := &Result{
		Events:   merged,
		Snapshot: snap,
	}

	// Classify what is left: concurrent forced transitions escalate to
	// ambiguities, everything else stays a violation.
	seenAmbiguity := make(map[string]bool)
	for _, v := range violations {
		if amb := detectAmbiguity(snap, byID, v); amb != nil {
			key := amb.Aggregate.String() + "|" + amb.EventIDs[0] + "|" + amb.EventIDs[1]
			if !seenAmbiguity[key] {
				seenAmbiguity[key] = true
				result.Ambiguities = append(result.Ambiguities, *amb)
			}
			continue
		}
		result.Violations = append(result.Violations, v)
	}

	for _, ev := range merged {
		if superseded[ev.ID] {
			result.Superseded = append(result.Superseded, ev.ID)
		}
	}

	return result
}

// rival finds the already-applied event that left the lane the violated
// event wanted to leave, provided the two look concurrent (different
// actors; with per-actor Lamport clocks, events from one actor are always
// causally ordered).
func rival(snap *reduce.Snapshot, byID map[string]event.Event, v lifecycle.GuardViolation) (event.Event, bool) {
	ev, ok := byID[v.EventID]
	if !ok || ev.Validate() != nil {
		return event.Event{}, false
	}
	from, ok := lifecycle.FromLane(ev)
	if !ok {
		return event.Event{}, false
	}
	wp := snap.WP(v.Aggregate)
	if wp == nil {
		return event.Event{}, false
	}
	applied := wp.LastAppliedFrom(from)
	if applied == nil || applied.Actor == ev.Actor {
		return event.Event{}, false
	}
	rivalEv, ok := byID[applied.EventID]
	if !ok {
		return event.Event{}, false
	}
	return rivalEv, true
}

// precedenceLoser decides whether a violation is really a concurrent
// rollback/forward pair, and if so which event yields. Returns the loser's
// event id. Exactly one of the pair must carry a review_ref; rollback wins
// regardless of sort position.
func precedenceLoser(snap *reduce.Snapshot, byID map[string]event.Event, v lifecycle.GuardViolation) (string, bool) {
	rivalEv, ok := rival(snap, byID, v)
	if !ok {
		return "", false
	}
	ev := byID[v.EventID]
	evRollback := ev.ReviewRef() != ""
	rivalRollback := rivalEv.ReviewRef() != ""
	switch {
	case evRollback == rivalRollback:
		// Zero or two rollbacks: no precedence rule applies.
		return "", false
	case evRollback:
		// The rejected event is the rollback: the applied forward rival
		// must yield, whatever the sort order said.
		return rivalEv.ID, true
	default:
		// The applied rival is the rollback: this forward event yields.
		return ev.ID, true
	}
}

// detectAmbiguity reports a violation that is really two concurrent forced
// transitions fighting over the same originating lane.
func detectAmbiguity(snap *reduce.Snapshot, byID map[string]event.Event, v lifecycle.GuardViolation) *Ambiguity {
	rivalEv, ok := rival(snap, byID, v)
	if !ok {
		return nil
	}
	ev := byID[v.EventID]
	if !ev.Forced() || !rivalEv.Forced() {
		return nil
	}
	if ev.ReviewRef() != "" || rivalEv.ReviewRef() != "" {
		return nil
	}
	from, _ := lifecycle.FromLane(ev)
	ids := []string{rivalEv.ID, ev.ID}
	actors := []string{rivalEv.Actor, ev.Actor}
	return &Ambiguity{
		Aggregate: v.Aggregate,
		Lane:      from,
		EventIDs:  ids,
		Actors:    actors,
	}
}

// Dedupe collapses events sharing an event id. Events are immutable, so
// two copies of an id (reached via the branches' common ancestor) are the
// same event; the first occurrence is kept.
func Dedupe(events []event.Event) []event.Event {
	seen := make(map[string]bool, len(events))
	out := make([]event.Event, 0, len(events))
	for _, ev := range events {
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		out = append(out, ev)
	}
	return out
}

// Sort orders events by (lamport_clock, at, event_id) ascending. The event
// id comparison is always available and always distinct, so the order is a
// strict total order even under complete clock ties. The input is not
// mutated.
func Sort(events []event.Event) []event.Event {
	out := slices.Clone(events)
	slices.SortFunc(out, Compare)
	return out
}

// Compare is the canonical three-key event ordering.
func Compare(a, b event.Event) int {
	if a.Lamport != b.Lamport {
		if a.Lamport < b.Lamport {
			return -1
		}
		return 1
	}
	if c := a.At.UTC().Compare(b.At.UTC()); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}
