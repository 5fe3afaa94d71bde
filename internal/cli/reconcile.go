package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gantry-dev/gantry/internal/event"
	"github.com/gantry-dev/gantry/internal/reconcile"
)

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		scanFile string
		apply    bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile <feature>",
		Short: "Compare status claims against an observed repo scan",
		Long: `Compare the event log's status claims against what a repo scan
actually observed: evidence commits that no longer exist, branches that
are gone, commits referencing WPs still marked planned.

The scan file is YAML describing one repository's branches and commits;
a scanning collaborator (CI job, git hook) produces it. By default drift
is only reported and the command exits 1 so CI notices. --apply appends
reconciliation annotations to the log; they never change lanes, they
mark the drift in the audit trail.

Example:
  gantry reconcile checkout --scan scan.yaml
  gantry reconcile checkout --scan scan.yaml --apply`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			return runReconcile(env, args[0], scanFile, apply)
		},
	}

	cmd.Flags().StringVar(&scanFile, "scan", "", "path to the YAML repo scan (required)")
	cmd.Flags().BoolVar(&apply, "apply", false, "append reconciliation annotations instead of only reporting")
	_ = cmd.MarkFlagRequired("scan")

	return cmd
}

func runReconcile(env *cmdEnv, feature, scanFile string, apply bool) error {
	raw, err := os.ReadFile(scanFile)
	if err != nil {
		_ = env.formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read scan file", err)
	}
	var scan reconcile.RepoScan
	if err := yaml.Unmarshal(raw, &scan); err != nil {
		_ = env.formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "parse scan file", err)
	}

	actor := env.cfg.Actor
	report, err := reconcile.Reconcile(env.log, feature, scan, reconcile.Options{
		DryRun: !apply,
		Actor:  actor,
	})
	if err != nil {
		_ = env.formatter.Error(ErrCodeLog, err.Error(), nil)
		return WrapExitError(ExitCommandError, "reconcile", err)
	}

	if env.formatter.Format == "json" {
		if err := env.formatter.Success(report); err != nil {
			return err
		}
	} else {
		printReconcileText(env, report)
	}

	if !apply && len(report.Proposals) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d drift item(s) detected", len(report.Proposals)))
	}
	return nil
}

func printReconcileText(env *cmdEnv, report *reconcile.Report) {
	w := env.formatter.Writer
	if len(report.Proposals) == 0 {
		fmt.Fprintf(w, "%s: no drift\n", report.Feature)
		return
	}
	verb := "proposed"
	if report.Applied {
		verb = "applied"
	}
	fmt.Fprintf(w, "%s: %d reconciliation annotation(s) %s\n", report.Feature, len(report.Proposals), verb)
	for _, ev := range report.Proposals {
		p, ok := ev.Payload.(*event.ReconciliationAppliedPayload)
		if !ok {
			continue
		}
		for _, d := range p.Drift {
			fmt.Fprintf(w, "  %s: %s %s\n", ev.Aggregate, d.Kind, d.Detail)
		}
	}
}
