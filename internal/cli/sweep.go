package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/coffer/internal/lifecycle"
)

// SweepResult is the outcome of the sweep and retry commands.
type SweepResult struct {
	TimedOut int `json:"timed_out"`
	Deleted  int `json:"deleted"`
	Retried  int `json:"retried"`

	// Steps are the final steps of retried operations.
	Steps []StepView `json:"steps,omitempty"`
}

// StepView is the printable form of a lifecycle step.
type StepView struct {
	Operation int64  `json:"operation"`
	From      string `json:"from"`
	To        string `json:"to"`
	Message   string `json:"message,omitempty"`
}

// Text implements Texter.
func (r SweepResult) Text() string {
	s := fmt.Sprintf("Timed out: %d\nDeleted: %d\nRetried: %d\n", r.TimedOut, r.Deleted, r.Retried)
	for _, st := range r.Steps {
		s += fmt.Sprintf("  operation %d: %s → %s\n", st.Operation, st.From, st.To)
	}
	return s
}

func stepViews(steps []lifecycle.Step) []StepView {
	out := make([]StepView, 0, len(steps))
	for _, s := range steps {
		out = append(out, StepView{Operation: s.ID, From: string(s.From), To: string(s.To), Message: s.Message})
	}
	return out
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Time out stalled operations and purge expired ones",
		Long: `Force operations stuck in INIT or RUN past their timeout into a failed
status, then delete terminal operations older than their retention.

Example:
  coffer sweep`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(rootOpts, cmd)
		},
	}
}

func runSweep(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(opts, nil)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	f := newFormatter(opts, cmd)
	sweeper := a.sweeper(nil)

	var result SweepResult
	if result.TimedOut, err = sweeper.SweepTimeouts(ctx); err != nil {
		return f.Failure(ExitFailure, "timeout sweep failed", result, err)
	}
	if result.Deleted, err = sweeper.SweepRetention(ctx); err != nil {
		return f.Failure(ExitFailure, "retention sweep failed", result, err)
	}
	return f.Success(result)
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Resume operations parked in RETRY_STORE or RETRY_INDEX",
		Long: `Move every operation parked in RETRY_STORE or RETRY_INDEX back to its
stage and drive it again.

Example:
  coffer retry`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(rootOpts, cmd)
		},
	}
}

func runRetry(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(opts, nil)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	f := newFormatter(opts, cmd)

	var requeued []int64
	sweeper := a.sweeper(func(ids ...int64) { requeued = append(requeued, ids...) })

	var result SweepResult
	if result.Retried, err = sweeper.SweepRetries(ctx); err != nil {
		return f.Failure(ExitFailure, "retry sweep failed", result, err)
	}
	steps := a.driveAll(ctx, requeued...)
	result.Steps = stepViews(steps)
	for _, s := range steps {
		if s.Err != nil {
			return f.Failure(ExitFailure, fmt.Sprintf("operation %d failed again", s.ID), result, s.Err)
		}
	}
	return f.Success(result)
}
