// Package reconcile detects drift between tracked WP status and the
// evidence actually present in a target repository, and proposes corrective
// events.
//
// Three phases: scan (the caller supplies repository facts as plain data;
// no network or git calls happen here), detect (diff the scan against the
// materialized plan state), emit (produce ReconciliationApplied proposals).
// Under dry-run the proposals are returned and the log is untouched; under
// apply they go through the ordinary append path. Reconciliation never
// mutates materialized state directly, so it cannot bypass guard
// conditions: its proposals replay through the same reducer as everything
// else.
package reconcile

import (
	"fmt"
	"time"

	"github.com/gantry-dev/gantry/internal/clock"
	"github.com/gantry-dev/gantry/internal/event"
	"github.com/gantry-dev/gantry/internal/eventlog"
	"github.com/gantry-dev/gantry/internal/lifecycle"
	"github.com/gantry-dev/gantry/internal/merge"
)

// RepoScan is the plain-data result of scanning a target repository.
type RepoScan struct {
	Repo     string       `json:"repo" yaml:"repo"`
	Branches []BranchScan `json:"branches" yaml:"branches"`
}

// BranchScan lists the commits observed on one branch.
type BranchScan struct {
	Branch  string       `json:"branch" yaml:"branch"`
	Commits []CommitScan `json:"commits" yaml:"commits"`
}

// CommitScan is one observed commit. WPRefs carries aggregate ids parsed
// from the commit message by the scanning collaborator.
type CommitScan struct {
	SHA     string   `json:"sha" yaml:"sha"`
	Subject string   `json:"subject,omitempty" yaml:"subject,omitempty"`
	WPRefs  []string `json:"wp_refs,omitempty" yaml:"wp_refs,omitempty"`
}

// Options controls the emit phase.
type Options struct {
	// DryRun returns proposals without appending anything.
	DryRun bool
	// Actor identifies the reconciling process in emitted events.
	Actor string
	// Now supplies wall-clock time; defaults to time.Now. Tests pin it.
	Now func() time.Time
}

// Report is the reconciliation outcome for one feature scope.
type Report struct {
	Feature   string        `json:"feature"`
	Proposals []event.Event `json:"proposals"`
	Applied   bool          `json:"applied"`
}

// Reconcile runs scan/detect/emit for one feature scope.
func Reconcile(log *eventlog.Log, feature string, scan RepoScan, opts Options) (*Report, error) {
	if opts.Actor == "" {
		opts.Actor = "reconciler"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	events, _, err := log.ReadAll(feature)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", feature, err)
	}
	replayed := merge.Replay(events)

	drift := detect(replayed, scan)

	report := &Report{Feature: feature}
	if len(drift) == 0 {
		return report, nil
	}

	c := clock.NewAt(replayed.Snapshot.MaxLamport)
	for _, d := range drift {
		report.Proposals = append(report.Proposals, event.Event{
			ID:        event.NewID(),
			Type:      event.TypeReconciliationApplied,
			Aggregate: d.aggregate,
			Lamport:   c.Tick(),
			At:        now().UTC(),
			Actor:     opts.Actor,
			Payload: &event.ReconciliationAppliedPayload{
				Source: "repo-scan",
				Drift:  d.items,
			},
		})
	}

	if opts.DryRun {
		return report, nil
	}
	for _, ev := range report.Proposals {
		if err := log.Append(ev); err != nil {
			return report, fmt.Errorf("reconcile %s: %w", feature, err)
		}
	}
	report.Applied = true
	return report, nil
}

// wpDrift collects drift items per aggregate.
type wpDrift struct {
	aggregate event.AggregateID
	items     []event.DriftItem
}

// detect diffs the materialized state against the scan. Deterministic:
// aggregates are visited in the merged event order, items in evidence
// order.
func detect(replayed *merge.Result, scan RepoScan) []wpDrift {
	commitSeen := make(map[string]bool)
	branchSeen := make(map[string]bool)
	refToCommits := make(map[string][]string)
	for _, b := range scan.Branches {
		branchSeen[b.Branch] = true
		for _, c := range b.Commits {
			commitSeen[c.SHA] = true
			for _, ref := range c.WPRefs {
				refToCommits[ref] = append(refToCommits[ref], c.SHA)
			}
		}
	}

	byAgg := make(map[string]*wpDrift)
	order := make([]string, 0)
	add := func(agg event.AggregateID, item event.DriftItem) {
		key := agg.String()
		d := byAgg[key]
		if d == nil {
			d = &wpDrift{aggregate: agg}
			byAgg[key] = d
			order = append(order, key)
		}
		d.items = append(d.items, item)
	}

	// Evidence drift: done WPs whose recorded commits or branches are no
	// longer observable in the target repo.
	for _, ev := range replayed.Events {
		p, ok := ev.Payload.(*event.CompletedPayload)
		if !ok {
			continue
		}
		wp := replayed.Snapshot.WP(ev.Aggregate)
		if wp == nil || wp.Lane != lifecycle.LaneDone || wp.LastEventID != ev.ID {
			continue
		}
		for _, repo := range p.Evidence.Repos {
			if repo.Repo != scan.Repo {
				continue
			}
			if !commitSeen[repo.Commit] {
				add(ev.Aggregate, event.DriftItem{
					Kind:   "missing_commit",
					Repo:   repo.Repo,
					Branch: repo.Branch,
					Commit: repo.Commit,
					Detail: "commit recorded in done evidence not found in target repo",
				})
			} else if repo.Branch != "" && !branchSeen[repo.Branch] {
				add(ev.Aggregate, event.DriftItem{
					Kind:   "branch_gone",
					Repo:   repo.Repo,
					Branch: repo.Branch,
					Detail: "evidence branch no longer exists in target repo",
				})
			}
		}
	}

	// Untracked work: commits referencing a WP whose lane says no work
	// should have landed yet. Aggregates are visited in first-seen merged
	// order to keep the proposal sequence deterministic.
	visited := make(map[string]bool)
	for _, ev := range replayed.Events {
		key := ev.Aggregate.String()
		if visited[key] {
			continue
		}
		visited[key] = true
		wp := replayed.Snapshot.WP(ev.Aggregate)
		if wp == nil {
			continue
		}
		switch wp.Lane {
		case lifecycle.LanePlanned, lifecycle.LaneClaimed:
			for _, sha := range refToCommits[key] {
				add(wp.Aggregate, event.DriftItem{
					Kind:   "untracked_commit",
					Repo:   scan.Repo,
					Commit: sha,
					Detail: fmt.Sprintf("commit references WP still in lane %s", wp.Lane),
				})
			}
		}
	}

	out := make([]wpDrift, 0, len(order))
	for _, key := range order {
		out = append(out, *byAgg[key])
	}
	return out
}
