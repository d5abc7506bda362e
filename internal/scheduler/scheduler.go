// Package scheduler runs periodic jobs gated by the cluster coordinator.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/coffer/internal/cluster"
)

// Job is one periodic task.
type Job struct {
	ID       string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Outcome is what happened on one tick of a job.
type Outcome int

const (
	// Skipped means another node holds the job.
	Skipped Outcome = iota + 1
	// Succeeded means the job ran and returned nil.
	Succeeded
	// Failed means the job returned an error or panicked.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Scheduler owns the jobs of one node.
//
// Each job runs on its own timer and never overlaps itself. Errors and panics
// are logged at the tick boundary; the next tick runs regardless.
type Scheduler struct {
	coordinator cluster.Coordinator
	logger      *slog.Logger
	jobs        []Job
}

// New creates a scheduler. A nil logger means slog.Default.
func New(c cluster.Coordinator, logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{coordinator: c, logger: logger, jobs: jobs}
}

// Jobs returns the registered jobs.
func (s *Scheduler) Jobs() []Job { return s.jobs }

// Tick runs job once if the coordinator says this node holds it.
func (s *Scheduler) Tick(ctx context.Context, job Job) (outcome Outcome, err error) {
	active, err := s.coordinator.Active(ctx, job.ID)
	if err != nil {
		s.logger.Warn("job coordinator unavailable", "job", job.ID, "error", err)
		return Skipped, err
	}
	if !active {
		s.logger.Debug("job not active on this node", "job", job.ID)
		return Skipped, nil
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
		if err != nil {
			outcome = Failed
			s.logger.Error("job failed", "job", job.ID, "elapsed", time.Since(start), "error", err)
			return
		}
		outcome = Succeeded
		s.logger.Debug("job done", "job", job.ID, "elapsed", time.Since(start))
	}()
	return Succeeded, job.Run(ctx)
}

// Run ticks every job on its interval until ctx ends. The first tick of
// each job happens one interval after Run starts.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			return fmt.Errorf("job %s: interval must be positive", job.ID)
		}
	}
	for _, job := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.Tick(ctx, job)
				}
			}
		}()
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	wg.Wait()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}
