package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gantry-dev/gantry/internal/eventlog"
	"github.com/gantry-dev/gantry/internal/merge"
)

// MergeReport is the merge command's result payload.
type MergeReport struct {
	Ours        string            `json:"ours"`
	Theirs      string            `json:"theirs"`
	OursCount   int               `json:"ours_count"`
	TheirsCount int               `json:"theirs_count"`
	MergedCount int               `json:"merged_count"`
	Superseded  []string          `json:"superseded,omitempty"`
	Violations  int               `json:"violation_count"`
	Ambiguities []merge.Ambiguity `json:"ambiguities,omitempty"`
	Output      string            `json:"output,omitempty"`
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "merge <ours.jsonl> <theirs.jsonl>",
		Short: "Merge two branch copies of a feature event log",
		Long: `Merge two branch copies of a feature event log into one canonical log.

Concatenates both files, drops duplicate event ids, orders by
(lamport_clock, at, event_id), and replays. Reviewer rollbacks supersede
concurrent forward progress from the same lane; guard-violating events
are kept in the log but skipped by the reducer. The merged log is written
to --output (or stdout) regardless of findings, so it can back a git
merge driver.

Exits 1 when the merge surfaces ambiguities that need human escalation,
such as two concurrent forced transitions.

Example:
  gantry merge .gantry/status/checkout/status.events.jsonl \
    /tmp/theirs/status.events.jsonl -o merged.jsonl`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			return runMerge(env, args[0], args[1], output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the merged log here (default: stdout)")

	return cmd
}

func runMerge(env *cmdEnv, oursPath, theirsPath, output string) error {
	ours, oursErrs, err := eventlog.ReadFile(oursPath)
	if err != nil {
		_ = env.formatter.Error(ErrCodeLog, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read ours", err)
	}
	theirs, theirsErrs, err := eventlog.ReadFile(theirsPath)
	if err != nil {
		_ = env.formatter.Error(ErrCodeLog, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read theirs", err)
	}
	for _, le := range append(oursErrs, theirsErrs...) {
		env.formatter.VerboseLog("skipping malformed line: %v", le)
	}

	res := merge.Merge(ours, theirs)
	slog.Debug("merged logs",
		"ours", len(ours), "theirs", len(theirs), "merged", len(res.Events),
		"superseded", len(res.Superseded), "ambiguities", len(res.Ambiguities))

	if err := writeMerged(env, res, output); err != nil {
		return err
	}

	report := MergeReport{
		Ours:        oursPath,
		Theirs:      theirsPath,
		OursCount:   len(ours),
		TheirsCount: len(theirs),
		MergedCount: len(res.Events),
		Superseded:  res.Superseded,
		Violations:  len(res.Violations),
		Ambiguities: res.Ambiguities,
		Output:      output,
	}

	if env.formatter.Format == "json" {
		if err := env.formatter.Success(report); err != nil {
			return err
		}
	} else {
		printMergeText(env, report)
	}

	if len(res.Ambiguities) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("merge has %d unresolved ambiguit(ies)", len(res.Ambiguities)))
	}
	return nil
}

// writeMerged serializes the merged event order as JSONL. When no output
// path is given and the format is text, the merged log goes to the
// command's stdout and the report to stderr so shell pipelines stay clean.
func writeMerged(env *cmdEnv, res *merge.Result, output string) error {
	w := io.Writer(env.formatter.Writer)
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			_ = env.formatter.Error(ErrCodeLog, err.Error(), nil)
			return WrapExitError(ExitCommandError, "create output", err)
		}
		defer f.Close()
		w = f
	}

	for _, ev := range res.Events {
		line, err := json.Marshal(ev)
		if err != nil {
			return WrapExitError(ExitCommandError, "marshal event", err)
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return WrapExitError(ExitCommandError, "write merged log", err)
		}
	}
	return nil
}

func printMergeText(env *cmdEnv, report MergeReport) {
	w := env.formatter.Writer
	if report.Output == "" {
		// Merged events went to stdout; keep the report off that stream.
		w = env.formatter.GetErrWriter()
	}
	fmt.Fprintf(w, "merged %d + %d -> %d event(s)\n", report.OursCount, report.TheirsCount, report.MergedCount)
	for _, id := range report.Superseded {
		fmt.Fprintf(w, "superseded: %s\n", id)
	}
	if report.Violations > 0 {
		fmt.Fprintf(w, "%d guard violation(s) retained in audit\n", report.Violations)
	}
	for _, amb := range report.Ambiguities {
		fmt.Fprintf(w, "ambiguity: %s at %s needs escalation (%v)\n", amb.Aggregate, amb.Lane, amb.EventIDs)
	}
	if report.Output != "" {
		fmt.Fprintf(w, "wrote %s\n", report.Output)
	}
}
