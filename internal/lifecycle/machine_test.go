package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-dev/gantry/internal/event"
)

var testAgg = event.AggregateID{Feature: "auth", WP: "wp-001"}

func ev(t event.Type, payload event.Payload, reason string) event.Event {
	return event.Event{
		ID:        event.NewID(),
		Type:      t,
		Aggregate: testAgg,
		Lamport:   1,
		At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:     "agent-a",
		Reason:    reason,
		Payload:   payload,
	}
}

func approvedEvidence() event.Evidence {
	return event.Evidence{
		Repos:  []event.RepoEvidence{{Repo: "auth.git", Branch: "wp-001", Commit: "abc123"}},
		Review: &event.ReviewRecord{Reviewer: "reviewer-1", Verdict: event.VerdictApproved, Ref: "pr-7"},
	}
}

func TestValidate_HappyPath(t *testing.T) {
	steps := []struct {
		ev   event.Event
		want Lane
	}{
		{ev(event.TypeClaimed, &event.ClaimedPayload{Assignee: "agent-a"}, ""), LaneClaimed},
		{ev(event.TypeStateEntered, &event.StateEnteredPayload{Lane: "in_progress", WorkspaceRef: "wt/auth-wp-001"}, ""), LaneInProgress},
		{ev(event.TypeReviewRequested, &event.ReviewRequestedPayload{SubtasksComplete: true}, ""), LaneForReview},
		{ev(event.TypeCompleted, &event.CompletedPayload{Evidence: approvedEvidence()}, ""), LaneDone},
	}

	lane := LanePlanned
	for _, step := range steps {
		next, v := Validate(lane, step.ev)
		require.Nil(t, v, "step %s: %v", step.ev.Type, v)
		assert.Equal(t, step.want, next)
		lane = next
	}
}

func TestValidate_SkippingLanesRejected(t *testing.T) {
	// planned -> done must always fail, regardless of actor or evidence.
	next, v := Validate(LanePlanned, ev(event.TypeCompleted, &event.CompletedPayload{Evidence: approvedEvidence()}, ""))
	require.NotNil(t, v)
	assert.Equal(t, LanePlanned, next, "violated guard must not move the lane")
	assert.Equal(t, LanePlanned, v.CurrentLane)
	assert.Equal(t, event.TypeCompleted, v.AttemptedType)
}

func TestValidate_ConflictingClaim(t *testing.T) {
	next, v := Validate(LaneClaimed, ev(event.TypeClaimed, &event.ClaimedPayload{Assignee: "agent-b"}, ""))
	require.NotNil(t, v)
	assert.Equal(t, LaneClaimed, next)
	assert.Contains(t, v.Reason, "conflicting active claim")
}

func TestValidate_InProgressRequiresWorkspace(t *testing.T) {
	_, v := Validate(LaneClaimed, ev(event.TypeStateEntered, &event.StateEnteredPayload{Lane: "in_progress"}, ""))
	require.NotNil(t, v)
	assert.Contains(t, v.Reason, "workspace_ref")
}

func TestValidate_ReviewGuard(t *testing.T) {
	// Incomplete subtasks, no force: rejected.
	_, v := Validate(LaneInProgress, ev(event.TypeReviewRequested, &event.ReviewRequestedPayload{}, ""))
	require.NotNil(t, v)

	// Force without reason: rejected.
	_, v = Validate(LaneInProgress, ev(event.TypeReviewRequested, &event.ReviewRequestedPayload{Force: true}, ""))
	require.NotNil(t, v)

	// Force with reason: accepted.
	next, v := Validate(LaneInProgress, ev(event.TypeReviewRequested, &event.ReviewRequestedPayload{Force: true}, "tracked externally"))
	require.Nil(t, v)
	assert.Equal(t, LaneForReview, next)
}

func TestValidate_CompletionRequiresApprovedReview(t *testing.T) {
	evidence := approvedEvidence()
	evidence.Review = &event.ReviewRecord{Reviewer: "reviewer-1", Verdict: event.VerdictRejected}
	_, v := Validate(LaneForReview, ev(event.TypeCompleted, &event.CompletedPayload{Evidence: evidence}, ""))
	require.NotNil(t, v)
	assert.Contains(t, v.Reason, "approved review")

	evidence.Review = nil
	_, v = Validate(LaneForReview, ev(event.TypeCompleted, &event.CompletedPayload{Evidence: evidence}, ""))
	require.NotNil(t, v)
}

func TestValidate_Rollback(t *testing.T) {
	next, v := Validate(LaneForReview, ev(event.TypeReviewRejected, &event.ReviewRejectedPayload{Reviewer: "reviewer-1", ReviewRef: "fix-null-check"}, ""))
	require.Nil(t, v)
	assert.Equal(t, LaneInProgress, next)

	// Rollback from the wrong lane is a violation.
	_, v = Validate(LaneInProgress, ev(event.TypeReviewRejected, &event.ReviewRejectedPayload{Reviewer: "reviewer-1", ReviewRef: "fix-2"}, ""))
	require.NotNil(t, v)
}

func TestValidate_AbandonRequiresReason(t *testing.T) {
	_, v := Validate(LaneInProgress, ev(event.TypeStateEntered, &event.StateEnteredPayload{Lane: "planned"}, ""))
	require.NotNil(t, v)

	next, v := Validate(LaneInProgress, ev(event.TypeStateEntered, &event.StateEnteredPayload{Lane: "planned"}, "reassigning to agent-b"))
	require.Nil(t, v)
	assert.Equal(t, LanePlanned, next)
}

func TestValidate_BlockUnblock(t *testing.T) {
	for _, from := range []Lane{LanePlanned, LaneClaimed, LaneInProgress, LaneForReview, LaneBlocked} {
		next, v := Validate(from, ev(event.TypeBlocked, &event.BlockedPayload{Blocker: "infra outage"}, ""))
		require.Nil(t, v, "blocking from %s", from)
		assert.Equal(t, LaneBlocked, next)
	}

	next, v := Validate(LaneBlocked, ev(event.TypeUnblocked, &event.UnblockedPayload{}, ""))
	require.Nil(t, v)
	assert.Equal(t, LaneInProgress, next)

	_, v = Validate(LaneInProgress, ev(event.TypeUnblocked, &event.UnblockedPayload{}, ""))
	require.NotNil(t, v, "unblocking an unblocked WP is a violation")
}

func TestValidate_TerminalLanesImmutable(t *testing.T) {
	for _, terminal := range []Lane{LaneDone, LaneCanceled} {
		for _, attempt := range []event.Event{
			ev(event.TypeClaimed, &event.ClaimedPayload{Assignee: "agent-b"}, ""),
			ev(event.TypeBlocked, &event.BlockedPayload{}, ""),
			ev(event.TypeForcedTransition, &event.ForcedTransitionPayload{FromLane: string(terminal), ToLane: "in_progress"}, "trying anyway"),
		} {
			next, v := Validate(terminal, attempt)
			require.NotNil(t, v, "%s in terminal lane %s", attempt.Type, terminal)
			assert.Equal(t, terminal, next)
		}

		// Reconciliation annotations are the one exception.
		next, v := Validate(terminal, ev(event.TypeReconciliationApplied, &event.ReconciliationAppliedPayload{Source: "repo-scan"}, ""))
		require.Nil(t, v)
		assert.Equal(t, terminal, next)
	}
}

func TestValidate_CancelFromAnywhereExceptDone(t *testing.T) {
	for _, from := range []Lane{LanePlanned, LaneClaimed, LaneInProgress, LaneForReview, LaneBlocked} {
		next, v := Validate(from, ev(event.TypeCanceled, &event.CanceledPayload{}, ""))
		require.Nil(t, v, "cancel from %s", from)
		assert.Equal(t, LaneCanceled, next)
	}
}

func TestValidate_ForcedTransition(t *testing.T) {
	next, v := Validate(LanePlanned, ev(event.TypeForcedTransition, &event.ForcedTransitionPayload{FromLane: "planned", ToLane: "in_progress"}, "bootstrap import"))
	require.Nil(t, v)
	assert.Equal(t, LaneInProgress, next)

	// Declared from-lane must match reality.
	_, v = Validate(LaneClaimed, ev(event.TypeForcedTransition, &event.ForcedTransitionPayload{FromLane: "planned", ToLane: "in_progress"}, "stale"))
	require.NotNil(t, v)
	assert.Contains(t, v.Reason, "declares lane")
}

func TestFromLane(t *testing.T) {
	tests := []struct {
		ev   event.Event
		want Lane
		ok   bool
	}{
		{ev(event.TypeClaimed, &event.ClaimedPayload{Assignee: "a"}, ""), LanePlanned, true},
		{ev(event.TypeCompleted, &event.CompletedPayload{Evidence: approvedEvidence()}, ""), LaneForReview, true},
		{ev(event.TypeReviewRejected, &event.ReviewRejectedPayload{Reviewer: "r", ReviewRef: "x"}, ""), LaneForReview, true},
		{ev(event.TypeStateEntered, &event.StateEnteredPayload{Lane: "in_progress", WorkspaceRef: "wt"}, ""), LaneClaimed, true},
		{ev(event.TypeStateEntered, &event.StateEnteredPayload{Lane: "planned"}, "r"), LaneInProgress, true},
		{ev(event.TypeBlocked, &event.BlockedPayload{}, ""), "", false},
		{ev(event.TypeReconciliationApplied, &event.ReconciliationAppliedPayload{Source: "s"}, ""), "", false},
	}

	for _, tt := range tests {
		got, ok := FromLane(tt.ev)
		assert.Equal(t, tt.ok, ok, "%s", tt.ev.Type)
		assert.Equal(t, tt.want, got, "%s", tt.ev.Type)
	}
}
