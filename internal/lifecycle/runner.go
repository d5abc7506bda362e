package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/coffer/internal/workpool"
)

// Runner drives queued operations on a pool, in FIFO order of enqueueing.
//
// An id is held by at most one worker at a time: enqueueing an id that is
// already queued or running is a no-op, so the operation keeps one owner.
type Runner struct {
	driver *Driver
	pool   *workpool.Pool
	logger *slog.Logger

	mu      sync.Mutex
	pending []int64
	owned   map[int64]bool
	signal  chan struct{} // buffered, size 1
	idle    *sync.Cond
}

// NewRunner creates a runner. A nil pool means the default pool.
func NewRunner(d *Driver, pool *workpool.Pool, logger *slog.Logger) *Runner {
	if pool == nil {
		pool = workpool.NewDefault(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		driver: d,
		pool:   pool,
		logger: logger,
		owned:  make(map[int64]bool),
		signal: make(chan struct{}, 1),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// Enqueue schedules operations to be driven.
func (r *Runner) Enqueue(ids ...int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if r.owned[id] {
			continue
		}
		r.owned[id] = true
		r.pending = append(r.pending, id)
	}
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of operations queued or running.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owned)
}

func (r *Runner) take() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return 0, false
	}
	id := r.pending[0]
	r.pending = r.pending[1:]
	return id, true
}

func (r *Runner) done(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owned, id)
	if len(r.owned) == 0 {
		r.idle.Broadcast()
	}
}

// Run drives queued operations until ctx ends, then waits for the ones in
// flight.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		id, ok := r.take()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.signal:
				continue
			}
		}
		wg.Add(1)
		ran := false
		f := r.pool.Submit(ctx, func(ctx context.Context) error {
			ran = true
			r.drive(ctx, id)
			return nil
		})
		go func() {
			defer wg.Done()
			<-f.Done()
			if !ran {
				r.done(id)
			}
		}()
	}
}

func (r *Runner) drive(ctx context.Context, id int64) {
	defer r.done(id)
	step, err := r.driver.Drive(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("drive operation failed", "operation", id, "error", err)
		}
		return
	}
	r.logger.Debug("operation settled", "operation", id, "status", step.To)
}

// Wait blocks until nothing is queued or running. Run must be running.
func (r *Runner) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.owned) > 0 {
		r.idle.Wait()
	}
}
