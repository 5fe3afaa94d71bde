package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gantry-dev/gantry/internal/event"
	"github.com/gantry-dev/gantry/internal/merge"
)

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	var wp string

	cmd := &cobra.Command{
		Use:   "log <feature>",
		Short: "Print a feature's events in canonical order",
		Long: `Print a feature's events in canonical replay order: lamport clock,
then wall-clock time, then event id. This is the exact order the reducer
applies, on any machine.

Example:
  gantry log checkout
  gantry log checkout --wp wp-03 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			return runLog(env, args[0], wp)
		},
	}

	cmd.Flags().StringVar(&wp, "wp", "", "show only this work package")

	return cmd
}

func runLog(env *cmdEnv, feature, wp string) error {
	events, lineErrs, err := env.log.ReadAll(feature)
	if err != nil {
		_ = env.formatter.Error(ErrCodeLog, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read log", err)
	}
	for _, le := range lineErrs {
		env.formatter.VerboseLog("skipping malformed line: %v", le)
	}

	ordered := merge.Sort(merge.Dedupe(events))
	if wp != "" {
		filtered := ordered[:0:0]
		for _, ev := range ordered {
			if ev.Aggregate.WP == wp {
				filtered = append(filtered, ev)
			}
		}
		ordered = filtered
	}

	if env.formatter.Format == "json" {
		return env.formatter.Success(ordered)
	}
	for _, ev := range ordered {
		printEventLine(env, ev)
	}
	fmt.Fprintf(env.formatter.Writer, "%d event(s)\n", len(ordered))
	return nil
}

func printEventLine(env *cmdEnv, ev event.Event) {
	w := env.formatter.Writer
	fmt.Fprintf(w, "%6d  %s  %-22s %-24s %s", ev.Lamport, ev.At.UTC().Format(time.RFC3339), ev.Type, ev.Aggregate.String(), ev.Actor)
	if ev.Reason != "" {
		fmt.Fprintf(w, "  (%s)", ev.Reason)
	}
	fmt.Fprintln(w)
}
