package reduce

import (
	"github.com/gantry-dev/gantry/internal/event"
	"github.com/gantry-dev/gantry/internal/lifecycle"
)

// Reduce replays events strictly in the order given and returns the
// materialized snapshot plus every guard violation, in replay order.
// Violated events are skipped for lane purposes but retained in the audit
// trail; they are never silently dropped and never applied.
func Reduce(events []event.Event) (*Snapshot, []lifecycle.GuardViolation) {
	return ReduceWithSuperseded(events, nil)
}

// ReduceWithSuperseded is Reduce with a set of event IDs to treat as
// superseded: recorded in the audit trail, not applied, not violations.
// The merge engine populates this set from its rollback-precedence pass;
// plain reduction passes nil.
func ReduceWithSuperseded(events []event.Event, superseded map[string]bool) (*Snapshot, []lifecycle.GuardViolation) {
	snap := &Snapshot{
		EventCount: len(events),
		WPs:        make(map[string]*WPStatus),
	}
	var violations []lifecycle.GuardViolation

	for _, ev := range events {
		if ev.Lamport > snap.MaxLamport {
			snap.MaxLamport = ev.Lamport
		}

		key := ev.Aggregate.String()
		wp := snap.WPs[key]
		if wp == nil {
			wp = &WPStatus{
				Aggregate: ev.Aggregate,
				Lane:      lifecycle.LanePlanned,
			}
			snap.WPs[key] = wp
		}

		entry := AuditEntry{
			EventID:  ev.ID,
			Type:     ev.Type,
			Actor:    ev.Actor,
			Lamport:  ev.Lamport,
			FromLane: wp.Lane,
			ToLane:   wp.Lane,
		}

		if superseded[ev.ID] {
			entry.Outcome = OutcomeSuperseded
			entry.Note = "superseded by concurrent reviewer rollback"
			wp.Audit = append(wp.Audit, entry)
			continue
		}

		// Structural validity first: a merged foreign log may contain
		// events that were never schema-checked on our side.
		if err := ev.Validate(); err != nil {
			entry.Outcome = OutcomeRejected
			entry.Note = err.Error()
			wp.Audit = append(wp.Audit, entry)
			v := lifecycle.GuardViolation{
				EventID:       ev.ID,
				Aggregate:     ev.Aggregate,
				CurrentLane:   wp.Lane,
				AttemptedType: ev.Type,
				Actor:         ev.Actor,
				Reason:        err.Error(),
			}
			wp.Violations = append(wp.Violations, v)
			violations = append(violations, v)
			continue
		}

		next, gv := lifecycle.Validate(wp.Lane, ev)
		if gv != nil {
			entry.Outcome = OutcomeRejected
			entry.Note = gv.Reason
			wp.Audit = append(wp.Audit, entry)
			wp.Violations = append(wp.Violations, *gv)
			violations = append(violations, *gv)
			continue
		}

		if ev.Type == event.TypeReconciliationApplied {
			entry.Outcome = OutcomeAnnotation
			wp.Audit = append(wp.Audit, entry)
			continue
		}

		entry.Outcome = OutcomeApplied
		entry.ToLane = next
		wp.Audit = append(wp.Audit, entry)
		wp.Lane = next
		wp.LastEventID = ev.ID
		wp.UpdatedAt = ev.At

		switch p := ev.Payload.(type) {
		case *event.ClaimedPayload:
			wp.Owner = p.Assignee
		case *event.StateEnteredPayload:
			switch lifecycle.Lane(p.Lane) {
			case lifecycle.LaneInProgress:
				wp.WorkspaceRef = p.WorkspaceRef
			case lifecycle.LanePlanned:
				// Abandon: the WP is up for grabs again.
				wp.Owner = ""
				wp.WorkspaceRef = ""
			}
		}
	}

	return snap, violations
}
