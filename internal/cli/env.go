package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gantry-dev/gantry/internal/config"
	"github.com/gantry-dev/gantry/internal/eventlog"
)

// cmdEnv bundles the pieces every command needs: loaded config, the
// opened event log, and an output formatter wired to the command's
// streams.
type cmdEnv struct {
	cfg       *config.Config
	log       *eventlog.Log
	formatter *OutputFormatter
	opts      *RootOptions
}

func newEnv(opts *RootOptions, cmd *cobra.Command) (*cmdEnv, error) {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.Actor != "" {
		cfg.Actor = opts.Actor
	}
	slog.Debug("config loaded", "actor", cfg.Actor, "log_root", cfg.LogRoot)

	log, err := eventlog.Open(cfg.LogRoot)
	if err != nil {
		_ = formatter.Error(ErrCodeLog, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "open event log", err)
	}

	return &cmdEnv{cfg: cfg, log: log, formatter: formatter, opts: opts}, nil
}

// actor returns the effective actor identity, failing the command when
// none is configured. Read-only commands never call this.
func (e *cmdEnv) actor() (string, error) {
	if e.cfg.Actor == "" {
		_ = e.formatter.Error(ErrCodeConfig, "no actor configured: set actor in gantry.yaml, GANTRY_ACTOR, or --actor", nil)
		return "", NewExitError(ExitCommandError, "no actor configured")
	}
	return e.cfg.Actor, nil
}
