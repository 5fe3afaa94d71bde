package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validClaim() Event {
	return Event{
		ID:        "0190a1b2-0000-7000-8000-000000000001",
		Type:      TypeClaimed,
		Aggregate: AggregateID{Feature: "auth", WP: "wp-001"},
		Lamport:   1,
		At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:     "agent-a",
		Payload:   &ClaimedPayload{Assignee: "agent-a"},
	}
}

func TestParseAggregateID(t *testing.T) {
	agg, err := ParseAggregateID("auth/wp-001")
	require.NoError(t, err)
	assert.Equal(t, "auth", agg.Feature)
	assert.Equal(t, "wp-001", agg.WP)
	assert.Equal(t, "auth/wp-001", agg.String())
}

func TestParseAggregateID_Invalid(t *testing.T) {
	for _, s := range []string{"", "auth", "/wp-001", "auth/"} {
		_, err := ParseAggregateID(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestNewID_Sortable(t *testing.T) {
	// UUIDv7 IDs generated in sequence must sort lexicographically by
	// creation order - the merge engine's tie-breaker of last resort.
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		assert.True(t, prev <= next, "%s should sort before %s", prev, next)
		prev = next
	}
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validClaim().Validate())
}

func TestValidate_EnvelopeFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
		field  string
	}{
		{"missing id", func(e *Event) { e.ID = "" }, "event_id"},
		{"unknown type", func(e *Event) { e.Type = "teleported" }, "event_type"},
		{"missing aggregate", func(e *Event) { e.Aggregate = AggregateID{} }, "aggregate_id"},
		{"zero lamport", func(e *Event) { e.Lamport = 0 }, "lamport_clock"},
		{"zero timestamp", func(e *Event) { e.At = time.Time{} }, "at"},
		{"missing actor", func(e *Event) { e.Actor = "" }, "actor"},
		{"missing payload", func(e *Event) { e.Payload = nil }, "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validClaim()
			tt.mutate(&ev)
			err := ev.Validate()
			require.Error(t, err)
			var se *SchemaError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.field, se.Field)
		})
	}
}

func TestValidate_PayloadKindMismatch(t *testing.T) {
	ev := validClaim()
	ev.Type = TypeBlocked
	err := ev.Validate()
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "payload", se.Field)
}

func TestValidate_RollbackRequiresReviewRef(t *testing.T) {
	ev := validClaim()
	ev.Type = TypeReviewRejected
	ev.Payload = &ReviewRejectedPayload{Reviewer: "reviewer-1"}
	err := ev.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review_ref")
}

func TestValidate_ForcedRequiresReason(t *testing.T) {
	ev := validClaim()
	ev.Type = TypeForcedTransition
	ev.Payload = &ForcedTransitionPayload{FromLane: "planned", ToLane: "in_progress"}
	err := ev.Validate()
	require.Error(t, err)
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "reason", se.Field)

	ev.Reason = "bootstrap migration"
	assert.NoError(t, ev.Validate())
}

func TestValidate_ForceFlagRequiresReason(t *testing.T) {
	ev := validClaim()
	ev.Type = TypeReviewRequested
	ev.Payload = &ReviewRequestedPayload{Force: true}
	require.Error(t, ev.Validate())

	ev.Reason = "subtasks tracked externally"
	assert.NoError(t, ev.Validate())
}

func TestValidate_CompletedEvidence(t *testing.T) {
	ev := validClaim()
	ev.Type = TypeCompleted
	ev.Payload = &CompletedPayload{}
	require.Error(t, ev.Validate(), "empty evidence must fail")

	ev.Payload = &CompletedPayload{Evidence: Evidence{
		Repos: []RepoEvidence{{Repo: "git@example.com:auth.git", Branch: "wp-001", Commit: "abc123"}},
		Verification: []Verification{
			{Command: "go test ./...", Result: "pass"},
		},
		Review: &ReviewRecord{Reviewer: "reviewer-1", Verdict: VerdictApproved, Ref: "pr-42"},
	}}
	assert.NoError(t, ev.Validate())
}

func TestJSON_RoundTrip(t *testing.T) {
	events := []Event{
		validClaim(),
		{
			ID:        "0190a1b2-0000-7000-8000-000000000002",
			Type:      TypeReviewRejected,
			Aggregate: AggregateID{Feature: "auth", WP: "wp-001"},
			Lamport:   7,
			At:        time.Date(2026, 3, 2, 9, 30, 0, 123456000, time.UTC),
			Actor:     "reviewer-1",
			Payload:   &ReviewRejectedPayload{Reviewer: "reviewer-1", ReviewRef: "fix-null-check"},
		},
		{
			ID:        "0190a1b2-0000-7000-8000-000000000003",
			Type:      TypeBlocked,
			Aggregate: AggregateID{Feature: "auth", WP: "wp-002"},
			Lamport:   3,
			At:        time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
			Actor:     "agent-b",
			Reason:    "waiting on schema migration",
			Payload:   &BlockedPayload{Blocker: "auth/wp-001"},
		},
	}

	for _, ev := range events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)

		var back Event
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, ev, back, "round trip for %s", ev.Type)
	}
}

func TestJSON_RejectsUnknownType(t *testing.T) {
	line := `{"event_id":"x","event_type":"warped","aggregate_id":"auth/wp-001","lamport_clock":1,"at":"2026-03-01T12:00:00.000000Z","actor":"a"}`
	var ev Event
	err := json.Unmarshal([]byte(line), &ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestReviewRef(t *testing.T) {
	ev := validClaim()
	assert.Empty(t, ev.ReviewRef())

	ev.Type = TypeReviewRejected
	ev.Payload = &ReviewRejectedPayload{Reviewer: "r", ReviewRef: "fix-1"}
	assert.Equal(t, "fix-1", ev.ReviewRef())
}

func TestMarshalCanonical_KeyOrderAndEscaping(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{
		"b":   1,
		"a":   "x<y&z",
		"c":   []any{true, "s"},
		"nil": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x<y&z","b":1,"c":[true,"s"],"nil":null}`, string(out))
}

func TestMarshalCanonical_Deterministic(t *testing.T) {
	ev := validClaim()
	first, err := MarshalCanonical(ev)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := MarshalCanonical(ev)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
	assert.False(t, strings.Contains(string(first), "\n"))
}

func TestMarshalCanonical_BigIntPrecision(t *testing.T) {
	// Values beyond 2^53 must not lose precision through float64.
	out, err := MarshalCanonical(map[string]any{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(out))
}
