package event

import (
	"fmt"
	"strings"
	"time"
)

// Verdict values accepted in a review record.
const (
	VerdictApproved = "approved"
	VerdictRejected = "rejected"
)

// Evidence is the structured proof payload required for terminal done
// transitions: which commits landed where, what verification ran, and who
// signed off.
type Evidence struct {
	Repos        []RepoEvidence `json:"repos"`
	Verification []Verification `json:"verification,omitempty"`
	Review       *ReviewRecord  `json:"review,omitempty"`
}

// RepoEvidence identifies the commits backing a completed WP.
type RepoEvidence struct {
	Repo   string   `json:"repo"`
	Branch string   `json:"branch"`
	Commit string   `json:"commit"`
	Files  []string `json:"files,omitempty"`
}

// Verification records one verification command and its outcome.
type Verification struct {
	Command string `json:"command"`
	Result  string `json:"result"` // "pass" | "fail"
	Summary string `json:"summary,omitempty"`
}

// ReviewRecord is the reviewer sign-off embedded in done-transition
// evidence. The approval guard checks Reviewer and Verdict; Ref links back
// to the review artifact (PR, review doc).
type ReviewRecord struct {
	Reviewer string `json:"reviewer"`
	Verdict  string `json:"verdict"`
	Ref      string `json:"ref,omitempty"`
}

// Approved reports whether the record is a signed approval.
func (r *ReviewRecord) Approved() bool {
	return r != nil && r.Reviewer != "" && r.Verdict == VerdictApproved
}

// validate checks structural completeness. The approval guard is applied
// separately by the state machine; here we only require that the evidence
// names at least one commit.
func (e Evidence) validate() error {
	if len(e.Repos) == 0 {
		return fmt.Errorf("evidence requires at least one repo entry")
	}
	for i, r := range e.Repos {
		if r.Repo == "" || r.Commit == "" {
			return fmt.Errorf("evidence repo[%d]: repo and commit are required", i)
		}
	}
	for i, v := range e.Verification {
		if v.Command == "" || v.Result == "" {
			return fmt.Errorf("evidence verification[%d]: command and result are required", i)
		}
	}
	if e.Review != nil {
		if e.Review.Reviewer == "" || e.Review.Verdict == "" {
			return fmt.Errorf("evidence review: reviewer and verdict are required")
		}
	}
	return nil
}

// jsonTime encodes timestamps as RFC 3339 with microsecond precision in
// UTC. Fixed precision keeps log lines byte-stable across platforms whose
// clocks report different resolutions.
type jsonTime struct {
	time.Time
}

const jsonTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func (t jsonTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(jsonTimeLayout) + `"`), nil
}

func (t *jsonTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}
