// Package lifecycle defines the 7-lane work package state machine and its
// guard conditions.
//
// Lane is never stored as authoritative state anywhere. It is always derived
// by replaying the event log through Validate; the reducer and merge engine
// are the only callers that hold a lane, and only transiently.
package lifecycle

import "fmt"

// Lane is a work package lifecycle state.
type Lane string

const (
	LanePlanned    Lane = "planned"
	LaneClaimed    Lane = "claimed"
	LaneInProgress Lane = "in_progress"
	LaneForReview  Lane = "for_review"
	LaneDone       Lane = "done"
	LaneBlocked    Lane = "blocked"
	LaneCanceled   Lane = "canceled"
)

// Lanes lists every lane in lifecycle order.
var Lanes = []Lane{
	LanePlanned,
	LaneClaimed,
	LaneInProgress,
	LaneForReview,
	LaneDone,
	LaneBlocked,
	LaneCanceled,
}

// Valid reports whether l names a known lane.
func (l Lane) Valid() bool {
	switch l {
	case LanePlanned, LaneClaimed, LaneInProgress, LaneForReview, LaneDone, LaneBlocked, LaneCanceled:
		return true
	}
	return false
}

// Terminal reports whether l has no outgoing transitions.
func (l Lane) Terminal() bool {
	return l == LaneDone || l == LaneCanceled
}

// ParseLane converts a string to a Lane, rejecting unknown names.
func ParseLane(s string) (Lane, error) {
	l := Lane(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown lane %q", s)
	}
	return l, nil
}
