package cli

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gantry-dev/gantry/internal/lifecycle"
	"github.com/gantry-dev/gantry/internal/merge"
	"github.com/gantry-dev/gantry/internal/projection"
	"github.com/gantry-dev/gantry/internal/reduce"
)

// WPRow is one work package in status output.
type WPRow struct {
	Aggregate    string    `json:"aggregate_id"`
	Lane         string    `json:"lane"`
	Owner        string    `json:"owner,omitempty"`
	WorkspaceRef string    `json:"workspace_ref,omitempty"`
	LastEventID  string    `json:"last_event_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
	Violations   int       `json:"violations,omitempty"`
}

// StatusReport is the status command's success payload.
type StatusReport struct {
	Feature     string            `json:"feature"`
	AsOf        string            `json:"as_of,omitempty"` // event id when --at is used
	EventCount  int               `json:"event_count"`
	MaxLamport  int64             `json:"max_lamport"`
	WPs         []WPRow           `json:"wps"`
	Violations  int               `json:"violation_count"`
	Ambiguities []merge.Ambiguity `json:"ambiguities,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "status <feature>",
		Short: "Show current work package status for a feature",
		Long: `Show current work package status for a feature, derived by replaying
the feature's event log in canonical order.

The materialized snapshot file is rewritten as a side effect, and the
SQLite projection is refreshed when projection_db is configured. --at
replays only up to (and including) the named event, answering "what did
status look like then"; point-in-time queries write nothing.

Example:
  gantry status checkout
  gantry status checkout --at 01930a8f-2c41-7d0a-9f3e-1b2c3d4e5f60`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			return runStatus(env, args[0], at)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "replay only up to this event id (point-in-time query)")

	return cmd
}

func runStatus(env *cmdEnv, feature, at string) error {
	events, lineErrs, err := env.log.ReadAll(feature)
	if err != nil {
		_ = env.formatter.Error(ErrCodeLog, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read log", err)
	}
	for _, le := range lineErrs {
		env.formatter.VerboseLog("skipping malformed line: %v", le)
	}

	if at != "" {
		ordered := merge.Sort(merge.Dedupe(events))
		cut := -1
		for i, ev := range ordered {
			if ev.ID == at {
				cut = i
				break
			}
		}
		if cut < 0 {
			_ = env.formatter.Error(ErrCodeGeneric, fmt.Sprintf("event %s not found in %s", at, feature), nil)
			return NewExitError(ExitCommandError, "event not found")
		}
		events = ordered[:cut+1]
	}

	res := merge.Replay(events)

	if at == "" {
		if err := env.log.WriteSnapshot(feature, res.Snapshot); err != nil {
			_ = env.formatter.Error(ErrCodeLog, err.Error(), nil)
			return WrapExitError(ExitCommandError, "write snapshot", err)
		}
		if env.cfg.ProjectionDB != "" {
			if err := syncProjection(env, feature, res.Snapshot); err != nil {
				return err
			}
		}
	}

	report := buildStatusReport(feature, at, res)

	if env.formatter.Format == "json" {
		return env.formatter.Success(report)
	}
	return printStatusText(env, report)
}

func syncProjection(env *cmdEnv, feature string, snap *reduce.Snapshot) error {
	store, err := projection.Open(env.cfg.ProjectionDB)
	if err != nil {
		_ = env.formatter.Error(ErrCodeLog, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open projection db", err)
	}
	defer store.Close()

	if err := store.Sync(context.Background(), feature, snap); err != nil {
		_ = env.formatter.Error(ErrCodeLog, err.Error(), nil)
		return WrapExitError(ExitCommandError, "sync projection", err)
	}
	env.formatter.VerboseLog("projection refreshed: %s", env.cfg.ProjectionDB)
	return nil
}

func buildStatusReport(feature, at string, res *merge.Result) StatusReport {
	report := StatusReport{
		Feature:     feature,
		AsOf:        at,
		EventCount:  res.Snapshot.EventCount,
		MaxLamport:  res.Snapshot.MaxLamport,
		Violations:  len(res.Violations),
		Ambiguities: res.Ambiguities,
	}

	keys := make([]string, 0, len(res.Snapshot.WPs))
	for k := range res.Snapshot.WPs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		wp := res.Snapshot.WPs[k]
		report.WPs = append(report.WPs, WPRow{
			Aggregate:    k,
			Lane:         string(wp.Lane),
			Owner:        wp.Owner,
			WorkspaceRef: wp.WorkspaceRef,
			LastEventID:  wp.LastEventID,
			UpdatedAt:    wp.UpdatedAt,
			Violations:   len(wp.Violations),
		})
	}
	return report
}

func printStatusText(env *cmdEnv, report StatusReport) error {
	w := env.formatter.Writer
	if report.AsOf != "" {
		fmt.Fprintf(w, "%s (as of event %s)\n", report.Feature, report.AsOf)
	} else {
		fmt.Fprintf(w, "%s\n", report.Feature)
	}

	if len(report.WPs) == 0 {
		fmt.Fprintln(w, "  no work packages")
		return nil
	}

	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  WP\tLANE\tOWNER\tWORKSPACE\tUPDATED")
	for _, row := range report.WPs {
		updated := ""
		if !row.UpdatedAt.IsZero() {
			updated = row.UpdatedAt.UTC().Format(time.RFC3339)
		}
		lane := row.Lane
		if row.Violations > 0 {
			lane = fmt.Sprintf("%s (%d violations)", lane, row.Violations)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", row.Aggregate, lane, row.Owner, row.WorkspaceRef, updated)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d event(s), clock %d\n", report.EventCount, report.MaxLamport)
	for _, amb := range report.Ambiguities {
		fmt.Fprintf(w, "ambiguity: %s at %s needs escalation (%v)\n", amb.Aggregate, amb.Lane, amb.EventIDs)
	}
	return nil
}

// laneSummary is kept close to the status output it feeds; it counts WPs
// per lane for the doctor report.
func laneSummary(rows []WPRow) map[lifecycle.Lane]int {
	counts := make(map[lifecycle.Lane]int)
	for _, r := range rows {
		counts[lifecycle.Lane(r.Lane)]++
	}
	return counts
}
