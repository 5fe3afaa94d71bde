// Package reduce replays a totally-ordered event sequence through the
// lifecycle state machine and materializes a snapshot.
//
// Reduction is a pure function: the same input sequence always produces the
// same snapshot and the same violation list. No hidden clocks, no
// randomness, no I/O. Callers are responsible for ordering; the merge
// engine's three-key sort is the canonical total order.
package reduce

import (
	"time"

	"github.com/gantry-dev/gantry/internal/event"
	"github.com/gantry-dev/gantry/internal/lifecycle"
)

// Outcome classifies how the reducer handled one event.
type Outcome string

const (
	// OutcomeApplied: the guard held and the lane moved.
	OutcomeApplied Outcome = "applied"
	// OutcomeRejected: the guard failed; recorded as a violation, lane kept.
	OutcomeRejected Outcome = "rejected"
	// OutcomeSuperseded: a concurrent reviewer rollback took precedence;
	// recorded, not applied, not a violation.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeAnnotation: audit-only event, lane untouched.
	OutcomeAnnotation Outcome = "annotation"
)

// AuditEntry is one replayed event in a WP's audit trail. Every input event
// appears here exactly once, whatever its outcome.
type AuditEntry struct {
	EventID  string         `json:"event_id"`
	Type     event.Type     `json:"event_type"`
	Actor    string         `json:"actor"`
	Lamport  int64          `json:"lamport_clock"`
	FromLane lifecycle.Lane `json:"from_lane"`
	ToLane   lifecycle.Lane `json:"to_lane"`
	Outcome  Outcome        `json:"outcome"`
	Note     string         `json:"note,omitempty"`
}

// WPStatus is the materialized state of one work package. Derived, never
// authoritative: regenerable at any time by replaying the log.
type WPStatus struct {
	Aggregate    event.AggregateID          `json:"aggregate_id"`
	Lane         lifecycle.Lane             `json:"lane"`
	Owner        string                     `json:"owner,omitempty"`
	WorkspaceRef string                     `json:"workspace_ref,omitempty"`
	LastEventID  string                     `json:"last_event_id,omitempty"`
	UpdatedAt    time.Time                  `json:"updated_at"`
	Violations   []lifecycle.GuardViolation `json:"violations,omitempty"`
	Audit        []AuditEntry               `json:"audit"`
}

// Snapshot is the materialized view over every WP seen in the input
// sequence, keyed by aggregate id string.
type Snapshot struct {
	EventCount int                  `json:"event_count"`
	MaxLamport int64                `json:"max_lamport"`
	WPs        map[string]*WPStatus `json:"wps"`
}

// WP returns the status for an aggregate, or nil if unseen.
func (s *Snapshot) WP(agg event.AggregateID) *WPStatus {
	return s.WPs[agg.String()]
}

// LastAppliedFrom returns the most recent applied audit entry that
// transitioned out of the given lane, or nil. The merge engine uses this to
// find the already-applied rival of a concurrent alternative.
func (w *WPStatus) LastAppliedFrom(from lifecycle.Lane) *AuditEntry {
	for i := len(w.Audit) - 1; i >= 0; i-- {
		e := &w.Audit[i]
		if e.Outcome == OutcomeApplied && e.FromLane == from {
			return e
		}
	}
	return nil
}
