package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gantry-dev/gantry/internal/clock"
	"github.com/gantry-dev/gantry/internal/event"
	"github.com/gantry-dev/gantry/internal/lifecycle"
	"github.com/gantry-dev/gantry/internal/merge"
)

// TransitionResult is the success payload after an event is appended.
type TransitionResult struct {
	EventID   string `json:"event_id"`
	Aggregate string `json:"aggregate_id"`
	Type      string `json:"event_type"`
	Lane      string `json:"lane"`
	Lamport   int64  `json:"lamport_clock"`
}

// emit runs the shared write pipeline for every transition verb: replay
// the feature's log to the current snapshot, stamp the next clock value,
// check the lifecycle guard, then append. A guard violation is reported
// and nothing is written; what reaches the log is always a valid line.
func (e *cmdEnv) emit(aggArg string, typ event.Type, reason string, payload event.Payload) error {
	agg, err := event.ParseAggregateID(aggArg)
	if err != nil {
		_ = e.formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "bad aggregate id", err)
	}
	actor, err := e.actor()
	if err != nil {
		return err
	}

	events, lineErrs, err := e.log.ReadAll(agg.Feature)
	if err != nil {
		_ = e.formatter.Error(ErrCodeLog, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read log", err)
	}
	for _, le := range lineErrs {
		e.formatter.VerboseLog("skipping malformed line: %v", le)
	}

	res := merge.Replay(events)
	current := lifecycle.LanePlanned
	if wp := res.Snapshot.WPs[agg.String()]; wp != nil {
		current = wp.Lane
	}
	slog.Debug("replayed log", "feature", agg.Feature, "events", len(events), "lane", current)

	// Forced transitions record the lane they leave; fill it from the
	// replayed snapshot so callers only name the destination.
	if fp, ok := payload.(*event.ForcedTransitionPayload); ok && fp.FromLane == "" {
		fp.FromLane = string(current)
	}

	clk := clock.NewAt(res.Snapshot.MaxLamport)
	ev := event.Event{
		ID:        event.NewID(),
		Type:      typ,
		Aggregate: agg,
		Lamport:   clk.Tick(),
		At:        time.Now().UTC(),
		Actor:     actor,
		Reason:    reason,
		Payload:   payload,
	}

	next, violation := lifecycle.Validate(current, ev)
	if violation != nil {
		_ = e.formatter.Error(ErrCodeGuard, violation.Error(), violation)
		return NewExitError(ExitFailure, violation.Error())
	}

	if err := e.log.Append(ev); err != nil {
		var schemaErr *event.SchemaError
		if errors.As(err, &schemaErr) {
			_ = e.formatter.Error(ErrCodeSchema, schemaErr.Error(), schemaErr)
			return WrapExitError(ExitCommandError, "invalid event", err)
		}
		_ = e.formatter.Error(ErrCodeLog, err.Error(), nil)
		return WrapExitError(ExitCommandError, "append event", err)
	}

	result := TransitionResult{
		EventID:   ev.ID,
		Aggregate: agg.String(),
		Type:      string(typ),
		Lane:      string(next),
		Lamport:   ev.Lamport,
	}
	if e.formatter.Format == "json" {
		return e.formatter.Success(result)
	}
	fmt.Fprintf(e.formatter.Writer, "%s: %s (lane %s, clock %d)\n", typ, agg, next, ev.Lamport)
	return nil
}

// NewClaimCommand creates the claim command.
func NewClaimCommand(rootOpts *RootOptions) *cobra.Command {
	var assignee string

	cmd := &cobra.Command{
		Use:   "claim <feature/wp>",
		Short: "Claim a planned work package",
		Long: `Claim a planned work package for the acting agent.

Fails when the WP already has an active claim; the existing owner keeps it.

Example:
  gantry claim checkout/wp-03 --actor agent-a`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			if assignee == "" {
				assignee = env.cfg.Actor
			}
			return env.emit(args[0], event.TypeClaimed, "", &event.ClaimedPayload{Assignee: assignee})
		},
	}

	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee recorded on the claim (default: acting agent)")

	return cmd
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "start <feature/wp>",
		Short: "Move a claimed work package to in_progress",
		Long: `Move a claimed work package to in_progress.

The workspace reference names where the work happens (worktree path,
sandbox id) and is required.

Example:
  gantry start checkout/wp-03 --workspace ../worktrees/wp-03`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			return env.emit(args[0], event.TypeStateEntered, "", &event.StateEnteredPayload{
				Lane:         string(lifecycle.LaneInProgress),
				WorkspaceRef: workspace,
			})
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace reference (required)")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

// NewReviewCommand creates the review command.
func NewReviewCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		force  bool
		reason string
	)

	cmd := &cobra.Command{
		Use:   "review <feature/wp>",
		Short: "Request review for an in-progress work package",
		Long: `Request review for an in-progress work package.

By default the request asserts all subtasks are complete. --force skips
that assertion and requires --reason.

Example:
  gantry review checkout/wp-03
  gantry review checkout/wp-03 --force --reason "demo cut, docs pending"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			return env.emit(args[0], event.TypeReviewRequested, reason, &event.ReviewRequestedPayload{
				SubtasksComplete: !force,
				Force:            force,
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "request review with incomplete subtasks (requires --reason)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the guard is being bypassed")

	return cmd
}

// NewApproveCommand creates the approve command.
func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		evidenceFile string
		repo         string
		branch       string
		commit       string
		files        []string
		verifyCmd    string
		verifyResult string
		verifySum    string
		reviewer     string
		reviewRef    string
	)

	cmd := &cobra.Command{
		Use:   "approve <feature/wp>",
		Short: "Approve a review and mark the work package done",
		Long: `Approve a review and mark the work package done.

Done transitions carry an evidence bundle: the commits that implement the
WP, verification runs, and the reviewer's signed approval. Supply it as a
JSON file via --evidence, or inline via the individual flags.

Example:
  gantry approve checkout/wp-03 --evidence evidence.json
  gantry approve checkout/wp-03 --repo api --commit 4f2c91d \
    --verify-cmd "make test" --verify-result pass \
    --reviewer agent-r --review-ref reviews/wp-03.md`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}

			var evidence event.Evidence
			if evidenceFile != "" {
				raw, err := os.ReadFile(evidenceFile)
				if err != nil {
					_ = env.formatter.Error(ErrCodeGeneric, err.Error(), nil)
					return WrapExitError(ExitCommandError, "read evidence file", err)
				}
				if err := json.Unmarshal(raw, &evidence); err != nil {
					_ = env.formatter.Error(ErrCodeSchema, err.Error(), nil)
					return WrapExitError(ExitCommandError, "parse evidence file", err)
				}
			} else {
				evidence = event.Evidence{
					Repos: []event.RepoEvidence{{Repo: repo, Branch: branch, Commit: commit, Files: files}},
				}
				if verifyCmd != "" {
					evidence.Verification = []event.Verification{{
						Command: verifyCmd, Result: verifyResult, Summary: verifySum,
					}}
				}
			}
			if evidence.Review == nil {
				if reviewer == "" {
					reviewer = env.cfg.Actor
				}
				evidence.Review = &event.ReviewRecord{
					Reviewer: reviewer,
					Verdict:  event.VerdictApproved,
					Ref:      reviewRef,
				}
			}

			return env.emit(args[0], event.TypeCompleted, "", &event.CompletedPayload{Evidence: evidence})
		},
	}

	cmd.Flags().StringVar(&evidenceFile, "evidence", "", "path to a JSON evidence bundle")
	cmd.Flags().StringVar(&repo, "repo", "", "repository the implementation landed in")
	cmd.Flags().StringVar(&branch, "branch", "", "branch carrying the commits")
	cmd.Flags().StringVar(&commit, "commit", "", "implementing commit SHA")
	cmd.Flags().StringSliceVar(&files, "files", nil, "files touched by the implementation")
	cmd.Flags().StringVar(&verifyCmd, "verify-cmd", "", "verification command that was run")
	cmd.Flags().StringVar(&verifyResult, "verify-result", "pass", "verification result (pass|fail)")
	cmd.Flags().StringVar(&verifySum, "verify-summary", "", "one-line verification summary")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "approving reviewer (default: acting agent)")
	cmd.Flags().StringVar(&reviewRef, "review-ref", "", "reference to the review artifact")

	return cmd
}

// NewRejectCommand creates the reject command.
func NewRejectCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		reviewRef string
		reason    string
	)

	cmd := &cobra.Command{
		Use:   "reject <feature/wp>",
		Short: "Reject a review, sending the work package back to in_progress",
		Long: `Reject a review, sending the work package back to in_progress.

The review reference links to the rejection rationale and is required;
rejections take precedence over concurrent completion when branches merge.

Example:
  gantry reject checkout/wp-03 --review-ref reviews/wp-03.md --reason "missing error paths"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			return env.emit(args[0], event.TypeReviewRejected, reason, &event.ReviewRejectedPayload{
				Reviewer:  env.cfg.Actor,
				ReviewRef: reviewRef,
			})
		},
	}

	cmd.Flags().StringVar(&reviewRef, "review-ref", "", "reference to the rejection rationale (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "short rejection summary")
	_ = cmd.MarkFlagRequired("review-ref")

	return cmd
}

// NewBlockCommand creates the block command.
func NewBlockCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		blocker string
		reason  string
	)

	cmd := &cobra.Command{
		Use:           "block <feature/wp>",
		Short:         "Mark a work package blocked",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			return env.emit(args[0], event.TypeBlocked, reason, &event.BlockedPayload{Blocker: blocker})
		},
	}

	cmd.Flags().StringVar(&blocker, "blocker", "", "what the WP is waiting on")
	cmd.Flags().StringVar(&reason, "reason", "", "context for the block")

	return cmd
}

// NewUnblockCommand creates the unblock command.
func NewUnblockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "unblock <feature/wp>",
		Short:         "Return a blocked work package to in_progress",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			return env.emit(args[0], event.TypeUnblocked, "", &event.UnblockedPayload{})
		},
	}

	return cmd
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:           "cancel <feature/wp>",
		Short:         "Cancel a work package permanently",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			return env.emit(args[0], event.TypeCanceled, reason, &event.CanceledPayload{})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the WP is canceled")

	return cmd
}

// NewAbandonCommand creates the abandon command.
func NewAbandonCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "abandon <feature/wp>",
		Short: "Release an in-progress work package back to planned",
		Long: `Release an in-progress work package back to planned.

Clears the owner and workspace so another agent can claim it. A reason is
required.

Example:
  gantry abandon checkout/wp-03 --reason "blocked on upstream API redesign"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			return env.emit(args[0], event.TypeStateEntered, reason, &event.StateEnteredPayload{
				Lane: string(lifecycle.LanePlanned),
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the WP is being released (required)")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

// NewForceCommand creates the force command.
func NewForceCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		to     string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "force <feature/wp>",
		Short: "Force a work package into a lane, bypassing guards",
		Long: `Force a work package into a lane, bypassing lifecycle guards.

The audit trail keeps the forced marker forever; use this for exceptional
human intervention only. A reason is required.

Example:
  gantry force checkout/wp-03 --to done --reason "completed out of band in hotfix"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			if _, err := lifecycle.ParseLane(to); err != nil {
				_ = env.formatter.Error(ErrCodeGeneric, err.Error(), nil)
				return WrapExitError(ExitCommandError, "bad lane", err)
			}
			// FromLane is filled from the replayed snapshot in emit.
			return env.emit(args[0], event.TypeForcedTransition, reason, &event.ForcedTransitionPayload{
				ToLane: to,
			})
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "destination lane (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "why guards are being bypassed (required)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}
