// Package harness provides conformance testing for the merge engine.
//
// Scenarios describe branch-local event histories in YAML; the harness
// merges them, replays the result, and checks the outcome against the
// scenario's expectations and a golden trace file.
//
// # Scenario Format
//
//	name: rollback_wins
//	description: "Reviewer rollback supersedes concurrent completion"
//	branches:
//	  - name: main
//	    events:
//	      - type: claimed
//	        wp: checkout/wp-01
//	        actor: agent-a
//	        payload: { assignee: agent-a }
//	  - name: review
//	    events:
//	      - type: review_rejected
//	        wp: checkout/wp-01
//	        actor: agent-r
//	        clock: 4
//	        payload: { reviewer: agent-r, review_ref: reviews/wp-01.md }
//	expect:
//	  lanes:
//	    checkout/wp-01: in_progress
//	  violations: 0
//	  superseded: [e4]
//	  ambiguities: 0
//
// # Deterministic Execution
//
// Event ids default to a stable sequence (e1, e2, ...) across all
// branches in declaration order, wall-clock stamps come from a fixed base
// time, and clocks default to the event's position within its branch.
// Identical scenarios therefore produce byte-identical traces, which is
// what golden files compare against.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/rollback_wins.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
package harness
