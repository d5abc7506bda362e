package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/coffer/internal/clock"
	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/store"
)

// Sweep defaults.
const (
	DefaultInitTimeout      = time.Hour
	DefaultRunTimeout       = 2 * time.Hour
	DefaultSuccessRetention = 6 * time.Hour
	DefaultFailureRetention = 72 * time.Hour

	retryPage = 1000
)

// SweepConfig sets the sweep ages.
type SweepConfig struct {
	// InitTimeout forces INIT operations older than this to ERROR_INIT.
	InitTimeout time.Duration
	// RunTimeout forces RUN operations older than this to ERROR_COMMIT.
	RunTimeout time.Duration
	// SuccessRetention is how long sealed OK operations are kept.
	SuccessRetention time.Duration
	// FailureRetention is how long sealed failed operations are kept.
	FailureRetention time.Duration
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.SuccessRetention <= 0 {
		c.SuccessRetention = DefaultSuccessRetention
	}
	if c.FailureRetention <= 0 {
		c.FailureRetention = DefaultFailureRetention
	}
	return c
}

// SweepJournal is the part of the store the sweeper uses.
type SweepJournal interface {
	ForceTimedOut(ctx context.Context, from, to ir.Status, cutoff time.Time, message string) ([]int64, error)
	DeleteTerminal(ctx context.Context, statuses []ir.Status, cutoff time.Time) ([]store.Deleted, error)
	ListByStatus(ctx context.Context, status ir.Status, limit int) ([]ir.Operation, error)
	Transition(ctx context.Context, id int64, from, to ir.Status, message string) error
}

// Sweeper runs the periodic timeout, retention and retry sweeps.
type Sweeper struct {
	journal SweepJournal
	requeue func(ids ...int64)
	clock   clock.Clock
	cfg     SweepConfig
	logger  *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithRequeue sets where retried operations are sent, usually
// Runner.Enqueue.
func WithRequeue(fn func(ids ...int64)) SweeperOption {
	return func(s *Sweeper) {
		s.requeue = fn
	}
}

// WithSweepClock sets the clock.
func WithSweepClock(c clock.Clock) SweeperOption {
	return func(s *Sweeper) {
		s.clock = c
	}
}

// WithSweepLogger sets the logger.
func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = l
	}
}

// NewSweeper creates a sweeper.
func NewSweeper(j SweepJournal, cfg SweepConfig, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{journal: j, cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.Or(s.clock)
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.requeue == nil {
		s.requeue = func(...int64) {}
	}
	return s
}

// Config returns the effective configuration.
func (s *Sweeper) Config() SweepConfig { return s.cfg }

// SweepTimeouts forces operations stuck in INIT or RUN into their error
// state. The process that drove them is presumed dead.
func (s *Sweeper) SweepTimeouts(ctx context.Context) (int, error) {
	now := s.clock.Now()
	total := 0
	for _, stuck := range []struct {
		status  ir.Status
		timeout time.Duration
	}{
		{ir.StatusInit, s.cfg.InitTimeout},
		{ir.StatusRun, s.cfg.RunTimeout},
	} {
		to := stuck.status.TimeoutState()
		msg := fmt.Sprintf("no progress in %s for %s", stuck.status, stuck.timeout)
		ids, err := s.journal.ForceTimedOut(ctx, stuck.status, to, now.Add(-stuck.timeout), msg)
		if err != nil {
			return total, fmt.Errorf("sweep timeouts: %w", err)
		}
		if len(ids) > 0 {
			s.logger.Warn("timed out operations", "from", stuck.status, "to", to, "count", len(ids))
		}
		total += len(ids)
	}
	return total, nil
}

// SweepRetention deletes sealed terminal operations past their retention
// window and removes their workspace directories.
func (s *Sweeper) SweepRetention(ctx context.Context) (int, error) {
	now := s.clock.Now()
	ok, err := s.journal.DeleteTerminal(ctx, []ir.Status{ir.StatusOK}, now.Add(-s.cfg.SuccessRetention))
	if err != nil {
		return 0, fmt.Errorf("sweep retention: %w", err)
	}
	failed, err := s.journal.DeleteTerminal(ctx,
		[]ir.Status{ir.StatusFatal, ir.StatusErrorInit, ir.StatusErrorCommit},
		now.Add(-s.cfg.FailureRetention))
	if err != nil {
		return len(ok), fmt.Errorf("sweep retention: %w", err)
	}

	deleted := append(ok, failed...)
	for _, d := range deleted {
		if d.Workspace == "" {
			continue
		}
		if err := os.RemoveAll(d.Workspace); err != nil {
			s.logger.Warn("remove workspace failed", "operation", d.ID, "workspace", d.Workspace, "error", err)
		}
	}
	if len(deleted) > 0 {
		s.logger.Info("retention sweep", "deleted", len(deleted))
	}
	return len(deleted), nil
}

// SweepRetries moves every RETRY_STORE and RETRY_INDEX operation back to
// its stage and requeues it.
func (s *Sweeper) SweepRetries(ctx context.Context) (int, error) {
	total := 0
	for _, parkedIn := range []ir.Status{ir.StatusRetryStore, ir.StatusRetryIndex} {
		stage := parkedIn.Next()
		for {
			ops, err := s.journal.ListByStatus(ctx, parkedIn, retryPage)
			if err != nil {
				return total, fmt.Errorf("sweep retries: %w", err)
			}
			var ids []int64
			for _, op := range ops {
				err := s.journal.Transition(ctx, op.ID, parkedIn, stage, "retrying "+string(stage))
				if ir.CodeOf(err) == ir.CodeStateConflict {
					continue
				}
				if err != nil {
					return total, fmt.Errorf("sweep retries: %w", err)
				}
				ids = append(ids, op.ID)
			}
			if len(ids) > 0 {
				s.requeue(ids...)
			}
			total += len(ids)
			if len(ops) < retryPage {
				break
			}
		}
	}
	if total > 0 {
		s.logger.Info("retry sweep", "requeued", total)
	}
	return total, nil
}
