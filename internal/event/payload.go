package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the tagged variant carried by an event. Each payload type has
// its own required-field set, checked at construction and again on append,
// so a missing field surfaces immediately instead of at review time.
type Payload interface {
	Kind() Type
	validate() error
}

// ClaimedPayload records a WP being claimed by an assignee.
type ClaimedPayload struct {
	Assignee string `json:"assignee"`
}

func (*ClaimedPayload) Kind() Type { return TypeClaimed }

func (p *ClaimedPayload) validate() error {
	if p.Assignee == "" {
		return fmt.Errorf("assignee is required")
	}
	return nil
}

// StateEnteredPayload records entry into a lane that has no dedicated event
// type: in_progress (work starts, needs a workspace reference) and planned
// (abandon/reassign, needs a reason on the envelope).
type StateEnteredPayload struct {
	Lane string `json:"lane"`
	// WorkspaceRef points at the execution context (worktree path, sandbox
	// id) where the work happens. Required when entering in_progress.
	WorkspaceRef string `json:"workspace_ref,omitempty"`
}

func (*StateEnteredPayload) Kind() Type { return TypeStateEntered }

func (p *StateEnteredPayload) validate() error {
	if p.Lane == "" {
		return fmt.Errorf("lane is required")
	}
	return nil
}

// ReviewRequestedPayload moves a WP from in_progress to for_review.
type ReviewRequestedPayload struct {
	SubtasksComplete bool `json:"subtasks_complete"`
	// Force bypasses the subtask-completion guard. The envelope reason must
	// be non-empty when set.
	Force bool `json:"force,omitempty"`
}

func (*ReviewRequestedPayload) Kind() Type { return TypeReviewRequested }

func (p *ReviewRequestedPayload) validate() error { return nil }

// ReviewRejectedPayload is a reviewer rollback: for_review back to
// in_progress. The review ref is what gives this event precedence over
// concurrent forward progress during a merge.
type ReviewRejectedPayload struct {
	Reviewer  string `json:"reviewer"`
	ReviewRef string `json:"review_ref"`
}

func (*ReviewRejectedPayload) Kind() Type { return TypeReviewRejected }

func (p *ReviewRejectedPayload) validate() error {
	if p.Reviewer == "" {
		return fmt.Errorf("reviewer is required")
	}
	if strings.TrimSpace(p.ReviewRef) == "" {
		return fmt.Errorf("review_ref is required for rollbacks")
	}
	return nil
}

// CompletedPayload moves a WP from for_review to done. Evidence is
// structurally required here; whether the evidence satisfies the approval
// guard is the state machine's call.
type CompletedPayload struct {
	Evidence Evidence `json:"evidence"`
}

func (*CompletedPayload) Kind() Type { return TypeCompleted }

func (p *CompletedPayload) validate() error {
	return p.Evidence.validate()
}

// BlockedPayload records why a WP is blocked.
type BlockedPayload struct {
	Blocker string `json:"blocker,omitempty"`
}

func (*BlockedPayload) Kind() Type { return TypeBlocked }

func (p *BlockedPayload) validate() error { return nil }

// UnblockedPayload resumes a blocked WP.
type UnblockedPayload struct{}

func (*UnblockedPayload) Kind() Type { return TypeUnblocked }

func (p *UnblockedPayload) validate() error { return nil }

// CanceledPayload abandons a WP permanently.
type CanceledPayload struct{}

func (*CanceledPayload) Kind() Type { return TypeCanceled }

func (p *CanceledPayload) validate() error { return nil }

// ForcedTransitionPayload is an explicit guard bypass. Both lanes are
// recorded so the audit trail shows exactly what was overridden.
type ForcedTransitionPayload struct {
	FromLane string `json:"from_lane"`
	ToLane   string `json:"to_lane"`
}

func (*ForcedTransitionPayload) Kind() Type { return TypeForcedTransition }

func (p *ForcedTransitionPayload) validate() error {
	if p.FromLane == "" || p.ToLane == "" {
		return fmt.Errorf("from_lane and to_lane are required")
	}
	return nil
}

// ReconciliationAppliedPayload is an audit annotation emitted by the
// reconciliation flow. It never changes the WP lane.
type ReconciliationAppliedPayload struct {
	Source string      `json:"source"` // e.g. "repo-scan"
	Drift  []DriftItem `json:"drift,omitempty"`
}

// DriftItem describes one divergence between tracked status and observed
// repository evidence.
type DriftItem struct {
	Kind     string `json:"kind"` // "missing_commit", "untracked_commit", "branch_gone"
	Repo     string `json:"repo,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Commit   string `json:"commit,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Proposed Type   `json:"proposed_event,omitempty"`
}

func (*ReconciliationAppliedPayload) Kind() Type { return TypeReconciliationApplied }

func (p *ReconciliationAppliedPayload) validate() error {
	if p.Source == "" {
		return fmt.Errorf("source is required")
	}
	return nil
}

// payloadRequired lists event types that cannot carry a nil payload.
var payloadRequired = map[Type]bool{
	TypeClaimed:               true,
	TypeStateEntered:          true,
	TypeReviewRejected:        true,
	TypeCompleted:             true,
	TypeForcedTransition:      true,
	TypeReconciliationApplied: true,
}

// newPayload returns the zero payload value for a type, or nil for types
// whose payload is optional and absent.
func newPayload(t Type) Payload {
	switch t {
	case TypeClaimed:
		return &ClaimedPayload{}
	case TypeStateEntered:
		return &StateEnteredPayload{}
	case TypeReviewRequested:
		return &ReviewRequestedPayload{}
	case TypeReviewRejected:
		return &ReviewRejectedPayload{}
	case TypeCompleted:
		return &CompletedPayload{}
	case TypeBlocked:
		return &BlockedPayload{}
	case TypeUnblocked:
		return &UnblockedPayload{}
	case TypeCanceled:
		return &CanceledPayload{}
	case TypeForcedTransition:
		return &ForcedTransitionPayload{}
	case TypeReconciliationApplied:
		return &ReconciliationAppliedPayload{}
	default:
		return nil
	}
}

// envelope mirrors Event with a raw payload, for two-phase decoding.
type envelope struct {
	ID        string          `json:"event_id"`
	Type      Type            `json:"event_type"`
	Aggregate AggregateID     `json:"aggregate_id"`
	Lamport   int64           `json:"lamport_clock"`
	At        jsonTime        `json:"at"`
	Actor     string          `json:"actor"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON decodes the envelope first, then the payload according to
// the event type. Unknown types fail here so a bad line never reaches the
// reducer.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if !ValidTypes[env.Type] {
		return fmt.Errorf("unknown event type %q", env.Type)
	}
	e.ID = env.ID
	e.Type = env.Type
	e.Aggregate = env.Aggregate
	e.Lamport = env.Lamport
	e.At = env.At.Time
	e.Actor = env.Actor
	e.Reason = env.Reason
	e.Payload = nil
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		p := newPayload(env.Type)
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return fmt.Errorf("payload for %s: %w", env.Type, err)
		}
		e.Payload = p
	}
	return nil
}

// MarshalJSON emits the envelope with the payload inline. Timestamps are
// truncated to microseconds in UTC so encode/decode round-trips are exact
// across platforms with different clock resolutions.
func (e Event) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("payload for %s: %w", e.Type, err)
		}
		raw = data
	}
	return json.Marshal(envelope{
		ID:        e.ID,
		Type:      e.Type,
		Aggregate: e.Aggregate,
		Lamport:   e.Lamport,
		At:        jsonTime{e.At},
		Actor:     e.Actor,
		Reason:    e.Reason,
		Payload:   raw,
	})
}
