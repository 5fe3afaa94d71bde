// Package event defines the append-only status event envelope for work
// packages (WPs) and its canonical JSON serialization.
//
// Events are immutable once appended. Correction happens by appending a new
// event, never by editing history. Every event carries three ordering keys:
//
//   - lamport_clock: per-actor logical counter, authoritative for causality
//   - at: wall-clock timestamp, informational tiebreaker only
//   - event_id: UUIDv7, lexicographically sortable, tie-breaker of last resort
//
// Together these give a strict total order over any set of events, which is
// what makes branch merges deterministic regardless of merge direction.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type tags the payload variant carried by an event.
type Type string

const (
	TypeClaimed               Type = "claimed"
	TypeStateEntered          Type = "state_entered"
	TypeReviewRequested       Type = "review_requested"
	TypeReviewRejected        Type = "review_rejected"
	TypeCompleted             Type = "completed"
	TypeBlocked               Type = "blocked"
	TypeUnblocked             Type = "unblocked"
	TypeCanceled              Type = "canceled"
	TypeForcedTransition      Type = "forced_transition"
	TypeReconciliationApplied Type = "reconciliation_applied"
)

// ValidTypes enumerates every known event type.
var ValidTypes = map[Type]bool{
	TypeClaimed:               true,
	TypeStateEntered:          true,
	TypeReviewRequested:       true,
	TypeReviewRejected:        true,
	TypeCompleted:             true,
	TypeBlocked:               true,
	TypeUnblocked:             true,
	TypeCanceled:              true,
	TypeForcedTransition:      true,
	TypeReconciliationApplied: true,
}

// AggregateID identifies the work package an event applies to, scoped by its
// owning feature. Serialized as "feature/wp-id".
type AggregateID struct {
	Feature string
	WP      string
}

// ParseAggregateID parses the "feature/wp-id" text form.
func ParseAggregateID(s string) (AggregateID, error) {
	feature, wp, ok := strings.Cut(s, "/")
	if !ok || feature == "" || wp == "" {
		return AggregateID{}, fmt.Errorf("aggregate id %q: want feature/wp-id", s)
	}
	return AggregateID{Feature: feature, WP: wp}, nil
}

// String returns the "feature/wp-id" text form.
func (a AggregateID) String() string {
	return a.Feature + "/" + a.WP
}

// IsZero reports whether the aggregate id is unset.
func (a AggregateID) IsZero() bool {
	return a.Feature == "" && a.WP == ""
}

// MarshalText implements encoding.TextMarshaler.
func (a AggregateID) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return nil, fmt.Errorf("aggregate id is empty")
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AggregateID) UnmarshalText(data []byte) error {
	parsed, err := ParseAggregateID(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Event is one immutable record in the status log.
type Event struct {
	ID        string      `json:"event_id"`
	Type      Type        `json:"event_type"`
	Aggregate AggregateID `json:"aggregate_id"`
	Lamport   int64       `json:"lamport_clock"`
	At        time.Time   `json:"at"`
	Actor     string      `json:"actor"`
	Reason    string      `json:"reason,omitempty"`
	Payload   Payload     `json:"payload,omitempty"`
}

// NewID returns a fresh UUIDv7 event ID. UUIDv7 embeds a millisecond
// timestamp in the most significant bits, so IDs generated within one
// process sort by creation time while staying unique across processes.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SchemaError reports a structurally invalid event. Schema errors are raised
// before any bytes reach the log; the offending event is never appended.
type SchemaError struct {
	EventID string // may be empty when the id itself is missing
	Field   string
	Message string
}

func (e *SchemaError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("schema: event %s: %s: %s", e.EventID, e.Field, e.Message)
	}
	return fmt.Sprintf("schema: %s: %s", e.Field, e.Message)
}

// Validate checks the envelope and payload for structural completeness.
// It does not apply lifecycle guards; those belong to the state machine.
func (e Event) Validate() error {
	if e.ID == "" {
		return &SchemaError{Field: "event_id", Message: "required"}
	}
	if !ValidTypes[e.Type] {
		return &SchemaError{EventID: e.ID, Field: "event_type", Message: fmt.Sprintf("unknown type %q", e.Type)}
	}
	if e.Aggregate.IsZero() {
		return &SchemaError{EventID: e.ID, Field: "aggregate_id", Message: "required"}
	}
	if strings.Contains(e.Aggregate.Feature, "/") {
		return &SchemaError{EventID: e.ID, Field: "aggregate_id", Message: "feature must not contain '/'"}
	}
	if e.Lamport <= 0 {
		return &SchemaError{EventID: e.ID, Field: "lamport_clock", Message: "must be positive"}
	}
	if e.At.IsZero() {
		return &SchemaError{EventID: e.ID, Field: "at", Message: "required"}
	}
	if e.Actor == "" {
		return &SchemaError{EventID: e.ID, Field: "actor", Message: "required"}
	}
	if e.Payload == nil {
		if payloadRequired[e.Type] {
			return &SchemaError{EventID: e.ID, Field: "payload", Message: fmt.Sprintf("required for %s", e.Type)}
		}
	} else {
		if e.Payload.Kind() != e.Type {
			return &SchemaError{EventID: e.ID, Field: "payload", Message: fmt.Sprintf("payload kind %s does not match event type %s", e.Payload.Kind(), e.Type)}
		}
		if err := e.Payload.validate(); err != nil {
			return &SchemaError{EventID: e.ID, Field: "payload", Message: err.Error()}
		}
	}
	// Forced or force-flagged transitions must say why.
	if e.Forced() && strings.TrimSpace(e.Reason) == "" {
		return &SchemaError{EventID: e.ID, Field: "reason", Message: "required for forced transitions"}
	}
	return nil
}

// Forced reports whether this event bypasses a guard (explicit forced
// transition, or a review request carrying the force flag).
func (e Event) Forced() bool {
	switch p := e.Payload.(type) {
	case *ForcedTransitionPayload:
		return true
	case *ReviewRequestedPayload:
		return p.Force
	default:
		return false
	}
}

// ReviewRef returns the reviewer rollback reference, or "" when the event is
// not a rollback. Merge precedence keys off this.
func (e Event) ReviewRef() string {
	if p, ok := e.Payload.(*ReviewRejectedPayload); ok {
		return p.ReviewRef
	}
	return ""
}
