package lifecycle

import (
	"fmt"
	"strings"

	"github.com/gantry-dev/gantry/internal/event"
)

// GuardViolation reports a semantically invalid transition. Violations are
// recorded and surfaced, never silently dropped and never applied: a
// violated guard leaves the materialized lane untouched.
type GuardViolation struct {
	EventID       string            `json:"event_id"`
	Aggregate     event.AggregateID `json:"aggregate_id"`
	CurrentLane   Lane              `json:"current_lane"`
	AttemptedType event.Type        `json:"attempted_event_type"`
	Actor         string            `json:"actor"`
	Reason        string            `json:"reason"`
}

func (v *GuardViolation) Error() string {
	return fmt.Sprintf("guard: event %s (%s by %s) rejected in lane %s: %s",
		v.EventID, v.AttemptedType, v.Actor, v.CurrentLane, v.Reason)
}

// violation builds a GuardViolation for ev against the current lane.
func violation(current Lane, ev event.Event, format string, args ...any) *GuardViolation {
	return &GuardViolation{
		EventID:       ev.ID,
		Aggregate:     ev.Aggregate,
		CurrentLane:   current,
		AttemptedType: ev.Type,
		Actor:         ev.Actor,
		Reason:        fmt.Sprintf(format, args...),
	}
}

// Validate applies one event to the current lane and returns the resulting
// lane, or a GuardViolation when a guard fails. A violation never mutates
// the lane; callers keep the current lane and record the violation.
//
// A WP that has never been seen starts in LanePlanned.
func Validate(current Lane, ev event.Event) (Lane, *GuardViolation) {
	if current.Terminal() && ev.Type != event.TypeReconciliationApplied {
		return current, violation(current, ev, "lane %s is terminal", current)
	}

	switch ev.Type {
	case event.TypeClaimed:
		if current != LanePlanned {
			if current == LaneClaimed || current == LaneInProgress || current == LaneForReview {
				return current, violation(current, ev, "conflicting active claim")
			}
			return current, violation(current, ev, "claim requires lane planned, not %s", current)
		}
		p, ok := ev.Payload.(*event.ClaimedPayload)
		if !ok || p.Assignee == "" {
			return current, violation(current, ev, "claim requires an assignee")
		}
		return LaneClaimed, nil

	case event.TypeStateEntered:
		p, ok := ev.Payload.(*event.StateEnteredPayload)
		if !ok {
			return current, violation(current, ev, "state_entered requires a payload")
		}
		target, err := ParseLane(p.Lane)
		if err != nil {
			return current, violation(current, ev, "%v", err)
		}
		switch target {
		case LaneInProgress:
			if current != LaneClaimed {
				return current, violation(current, ev, "entering in_progress requires lane claimed, not %s", current)
			}
			if p.WorkspaceRef == "" {
				return current, violation(current, ev, "entering in_progress requires a workspace_ref")
			}
			return LaneInProgress, nil
		case LanePlanned:
			// Abandon/reassign.
			if current != LaneInProgress {
				return current, violation(current, ev, "returning to planned requires lane in_progress, not %s", current)
			}
			if strings.TrimSpace(ev.Reason) == "" {
				return current, violation(current, ev, "returning to planned requires a reason")
			}
			return LanePlanned, nil
		default:
			return current, violation(current, ev, "state_entered may only target in_progress or planned, not %s", target)
		}

	case event.TypeReviewRequested:
		if current != LaneInProgress {
			return current, violation(current, ev, "review requires lane in_progress, not %s", current)
		}
		p, _ := ev.Payload.(*event.ReviewRequestedPayload)
		if p == nil {
			p = &event.ReviewRequestedPayload{}
		}
		if !p.SubtasksComplete {
			if !p.Force {
				return current, violation(current, ev, "subtasks incomplete and no force flag")
			}
			if strings.TrimSpace(ev.Reason) == "" {
				return current, violation(current, ev, "forced review request requires a reason")
			}
		}
		return LaneForReview, nil

	case event.TypeReviewRejected:
		if current != LaneForReview {
			return current, violation(current, ev, "rollback requires lane for_review, not %s", current)
		}
		p, ok := ev.Payload.(*event.ReviewRejectedPayload)
		if !ok || strings.TrimSpace(p.ReviewRef) == "" {
			return current, violation(current, ev, "rollback requires a review_ref")
		}
		return LaneInProgress, nil

	case event.TypeCompleted:
		if current != LaneForReview {
			return current, violation(current, ev, "completion requires lane for_review, not %s", current)
		}
		p, ok := ev.Payload.(*event.CompletedPayload)
		if !ok || !p.Evidence.Review.Approved() {
			return current, violation(current, ev, "completion requires an approved review in evidence")
		}
		return LaneDone, nil

	case event.TypeBlocked:
		// Any non-terminal lane can block; re-blocking updates the blocker.
		return LaneBlocked, nil

	case event.TypeUnblocked:
		if current != LaneBlocked {
			return current, violation(current, ev, "unblock requires lane blocked, not %s", current)
		}
		return LaneInProgress, nil

	case event.TypeCanceled:
		// Terminal-lane events were rejected above, so anything left except
		// done may cancel.
		return LaneCanceled, nil

	case event.TypeForcedTransition:
		p, ok := ev.Payload.(*event.ForcedTransitionPayload)
		if !ok {
			return current, violation(current, ev, "forced transition requires a payload")
		}
		from, err := ParseLane(p.FromLane)
		if err != nil {
			return current, violation(current, ev, "%v", err)
		}
		to, err := ParseLane(p.ToLane)
		if err != nil {
			return current, violation(current, ev, "%v", err)
		}
		if from != current {
			return current, violation(current, ev, "forced transition declares lane %s but WP is in %s", from, current)
		}
		if strings.TrimSpace(ev.Reason) == "" {
			return current, violation(current, ev, "forced transition requires a reason")
		}
		return to, nil

	case event.TypeReconciliationApplied:
		// Audit annotation: recorded, lane unchanged. The only event type
		// accepted in terminal lanes.
		return current, nil

	default:
		return current, violation(current, ev, "unknown event type %q", ev.Type)
	}
}

// FromLane returns the lane an event claims to transition out of, given the
// event type alone. Used by the merge engine to decide whether two events
// are concurrent alternatives out of the same originating lane.
func FromLane(ev event.Event) (Lane, bool) {
	switch ev.Type {
	case event.TypeClaimed:
		return LanePlanned, true
	case event.TypeStateEntered:
		p, ok := ev.Payload.(*event.StateEnteredPayload)
		if !ok {
			return "", false
		}
		switch Lane(p.Lane) {
		case LaneInProgress:
			return LaneClaimed, true
		case LanePlanned:
			return LaneInProgress, true
		}
		return "", false
	case event.TypeReviewRequested:
		return LaneInProgress, true
	case event.TypeReviewRejected, event.TypeCompleted:
		return LaneForReview, true
	case event.TypeUnblocked:
		return LaneBlocked, true
	case event.TypeForcedTransition:
		p, ok := ev.Payload.(*event.ForcedTransitionPayload)
		if !ok {
			return "", false
		}
		return Lane(p.FromLane), true
	default:
		// Blocked and Canceled accept any originating lane; reconciliation
		// annotations have none.
		return "", false
	}
}
