package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/coffer/internal/cluster"
	"github.com/roach88/coffer/internal/index"
	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/lifecycle"
	"github.com/roach88/coffer/internal/scheduler"
)

// resumable are the statuses an operation is left in when the process
// driving it stopped between stages.
var resumable = []ir.Status{ir.StatusInit, ir.StatusBackup, ir.StatusStore, ir.StatusIndex}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the periodic jobs of this node",
		Long: `Run the securing, coherency, retry and cleanup jobs on their configured
intervals, and drive pending operations to completion.

Which jobs run on this node is decided by the cluster section of the
configuration: a static job list, or a lease shared through the journal.

Example:
  coffer serve --config /etc/coffer/coffer.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	async := index.NewAsync(index.LogSink{Logger: slog.Default()}, slog.Default())
	a, err := openApp(opts, async)
	if err != nil {
		return err
	}
	defer a.close()

	runner := lifecycle.NewRunner(a.driver, a.tasks, slog.Default())
	sweeper := a.sweeper(runner.Enqueue)
	coordinator := a.coordinator()

	for _, status := range resumable {
		ops, err := a.store.ListByStatus(ctx, status, -1)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list pending operations", err)
		}
		for _, op := range ops {
			if op.Type.Mutating() {
				runner.Enqueue(op.ID)
			}
		}
	}

	sched := scheduler.New(coordinator, slog.Default(),
		scheduler.Job{ID: cluster.JobSecuring, Interval: a.cfg.Securing.Tick, Run: func(ctx context.Context) error {
			report, err := a.pipeline.Tick(ctx)
			if err != nil {
				return err
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d securing flushes failed, first: %w", len(failed), failed[0].Err)
			}
			return nil
		}},
		scheduler.Job{ID: cluster.JobCoherency, Interval: a.cfg.Coherency.Interval, Run: func(ctx context.Context) error {
			_, err := a.checks.CheckAll(ctx)
			return err
		}},
		scheduler.Job{ID: cluster.JobRetry, Interval: a.cfg.Lifecycle.RetryInterval, Run: func(ctx context.Context) error {
			_, err := sweeper.SweepRetries(ctx)
			return err
		}},
		scheduler.Job{ID: cluster.JobCleanup, Interval: a.cfg.Lifecycle.CleanupInterval, Run: func(ctx context.Context) error {
			if _, err := sweeper.SweepTimeouts(ctx); err != nil {
				return err
			}
			_, err := sweeper.SweepRetention(ctx)
			return err
		}},
	)

	done := make(chan struct{}, 2)
	go func() {
		async.Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		runner.Run(ctx)
		done <- struct{}{}
	}()

	slog.Info("node started", "database", a.cfg.Database, "tenants", len(a.registry.Tenants()), "cluster", a.cfg.Cluster.Mode)
	fmt.Fprintln(cmd.OutOrStdout(), "coffer node started. Press Ctrl-C to stop.")

	err = sched.Run(ctx)
	cancel()
	<-done
	<-done
	if lease, ok := coordinator.(*cluster.Lease); ok {
		if err := lease.Release(context.WithoutCancel(ctx), cluster.JobSecuring, cluster.JobCoherency, cluster.JobRetry, cluster.JobCleanup); err != nil {
			slog.Warn("release leases failed", "error", err)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "scheduler error", err)
	}
	slog.Info("node stopped gracefully")
	return nil
}
