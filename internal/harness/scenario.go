package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gantry-dev/gantry/internal/event"
)

// Scenario defines one conformance test: a set of branch-local event
// histories and the expected post-merge state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Branches are the event histories to merge, in declaration order.
	// A single branch exercises plain replay.
	Branches []Branch `yaml:"branches"`

	// Expect validates the merged result.
	Expect Expect `yaml:"expect"`
}

// Branch is one branch-local history.
type Branch struct {
	Name   string      `yaml:"name"`
	Events []EventStep `yaml:"events"`
}

// EventStep describes one event. ID, Clock, and At are optional; the
// harness fills deterministic defaults so golden traces stay stable.
type EventStep struct {
	ID      string         `yaml:"id,omitempty"`
	Type    string         `yaml:"type"`
	WP      string         `yaml:"wp"`
	Actor   string         `yaml:"actor"`
	Clock   int64          `yaml:"clock,omitempty"`
	At      string         `yaml:"at,omitempty"` // RFC3339
	Reason  string         `yaml:"reason,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// Expect validates the merged snapshot.
type Expect struct {
	// Lanes maps aggregate ids to their expected final lane.
	Lanes map[string]string `yaml:"lanes"`

	// Owners maps aggregate ids to their expected owner. Subset match,
	// only listed WPs are checked.
	Owners map[string]string `yaml:"owners,omitempty"`

	// Violations is the expected guard violation count.
	Violations int `yaml:"violations"`

	// Superseded lists event ids expected to lose rollback precedence.
	Superseded []string `yaml:"superseded,omitempty"`

	// Ambiguities is the expected count of conflicts needing escalation.
	Ambiguities int `yaml:"ambiguities"`
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos like "expects:" fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Branches) == 0 {
		return fmt.Errorf("branches list is required and must be non-empty")
	}

	seen := make(map[string]bool)
	for bi, branch := range s.Branches {
		if branch.Name == "" {
			return fmt.Errorf("branches[%d]: name is required", bi)
		}
		if len(branch.Events) == 0 {
			return fmt.Errorf("branch %s: events list is required and must be non-empty", branch.Name)
		}
		for ei, step := range branch.Events {
			where := fmt.Sprintf("branch %s events[%d]", branch.Name, ei)
			if step.Type == "" {
				return fmt.Errorf("%s: type is required", where)
			}
			if !event.ValidTypes[event.Type(step.Type)] {
				return fmt.Errorf("%s: unknown event type %q", where, step.Type)
			}
			if step.WP == "" {
				return fmt.Errorf("%s: wp is required", where)
			}
			if _, err := event.ParseAggregateID(step.WP); err != nil {
				return fmt.Errorf("%s: %v", where, err)
			}
			if step.Actor == "" {
				return fmt.Errorf("%s: actor is required", where)
			}
			if step.ID != "" && seen[step.ID] {
				return fmt.Errorf("%s: duplicate event id %q", where, step.ID)
			}
			if step.ID != "" {
				seen[step.ID] = true
			}
		}
	}

	if len(s.Expect.Lanes) == 0 {
		return fmt.Errorf("expect.lanes is required and must be non-empty")
	}
	if s.Expect.Violations < 0 || s.Expect.Ambiguities < 0 {
		return fmt.Errorf("expect counts must be non-negative")
	}
	return nil
}
