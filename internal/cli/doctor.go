package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantry-dev/gantry/internal/eventlog"
	"github.com/gantry-dev/gantry/internal/lifecycle"
	"github.com/gantry-dev/gantry/internal/merge"
	"github.com/gantry-dev/gantry/internal/schema"
)

// FeatureDiagnosis is the doctor's findings for one feature scope.
type FeatureDiagnosis struct {
	Feature     string                     `json:"feature"`
	EventCount  int                        `json:"event_count"`
	Lanes       map[lifecycle.Lane]int     `json:"lanes,omitempty"`
	LineErrors  []eventlog.LineError       `json:"line_errors,omitempty"`
	Schema      []string                   `json:"schema_errors,omitempty"`
	Violations  []lifecycle.GuardViolation `json:"violations,omitempty"`
	Ambiguities []merge.Ambiguity          `json:"ambiguities,omitempty"`
}

// Healthy reports whether the scope replayed without findings.
func (d *FeatureDiagnosis) Healthy() bool {
	return len(d.LineErrors) == 0 && len(d.Schema) == 0 &&
		len(d.Violations) == 0 && len(d.Ambiguities) == 0
}

// DoctorReport is the doctor command's result payload.
type DoctorReport struct {
	Features []FeatureDiagnosis `json:"features"`
	Healthy  bool               `json:"healthy"`
}

// NewDoctorCommand creates the doctor command.
func NewDoctorCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor [feature]",
		Short: "Check event logs for violations, ambiguities, and bad lines",
		Long: `Check event logs for guard violations, merge ambiguities, schema
errors, and unparseable lines. With no argument every feature scope under
the log root is checked.

Intended for CI: exits 1 when any finding needs resolution, so a merge
that surfaced conflicts cannot land silently.

Example:
  gantry doctor
  gantry doctor checkout --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			feature := ""
			if len(args) == 1 {
				feature = args[0]
			}
			return runDoctor(env, feature)
		},
	}

	return cmd
}

func runDoctor(env *cmdEnv, feature string) error {
	features := []string{feature}
	if feature == "" {
		var err error
		features, err = env.log.Features()
		if err != nil {
			_ = env.formatter.Error(ErrCodeLog, err.Error(), nil)
			return WrapExitError(ExitCommandError, "list features", err)
		}
	}

	validator, err := schema.Default()
	if err != nil {
		_ = env.formatter.Error(ErrCodeSchema, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load schema", err)
	}

	report := DoctorReport{Healthy: true}
	for _, feat := range features {
		diag, err := diagnose(env, validator, feat)
		if err != nil {
			return err
		}
		if !diag.Healthy() {
			report.Healthy = false
		}
		report.Features = append(report.Features, *diag)
	}

	if env.formatter.Format == "json" {
		if err := env.formatter.Success(report); err != nil {
			return err
		}
	} else {
		printDoctorText(env, report)
	}

	if !report.Healthy {
		return NewExitError(ExitFailure, "doctor found unresolved findings")
	}
	return nil
}

func diagnose(env *cmdEnv, validator *schema.Validator, feature string) (*FeatureDiagnosis, error) {
	events, lineErrs, err := env.log.ReadAll(feature)
	if err != nil {
		_ = env.formatter.Error(ErrCodeLog, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "read log", err)
	}

	diag := &FeatureDiagnosis{
		Feature:    feature,
		EventCount: len(events),
		LineErrors: lineErrs,
	}

	// Re-check every stored event against the schema. Normally writers
	// validate before appending, so findings here mean a foreign or
	// hand-edited log.
	for _, ev := range events {
		if err := validator.Validate(ev); err != nil {
			diag.Schema = append(diag.Schema, err.Error())
		}
	}

	res := merge.Replay(events)
	diag.Violations = res.Violations
	diag.Ambiguities = res.Ambiguities
	diag.Lanes = laneSummary(buildStatusReport(feature, "", res).WPs)

	return diag, nil
}

func printDoctorText(env *cmdEnv, report DoctorReport) {
	w := env.formatter.Writer
	for _, diag := range report.Features {
		mark := "✓"
		if !diag.Healthy() {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s: %d event(s)\n", mark, diag.Feature, diag.EventCount)
		for _, le := range diag.LineErrors {
			fmt.Fprintf(w, "    line %d: %s\n", le.Line, le.Msg)
		}
		for _, msg := range diag.Schema {
			fmt.Fprintf(w, "    schema: %s\n", msg)
		}
		for _, v := range diag.Violations {
			fmt.Fprintf(w, "    violation: %s\n", v.Error())
		}
		for _, amb := range diag.Ambiguities {
			fmt.Fprintf(w, "    ambiguity: %s at %s (%v)\n", amb.Aggregate, amb.Lane, amb.EventIDs)
		}
	}
	if report.Healthy {
		fmt.Fprintln(w, "all scopes healthy")
	}
}
