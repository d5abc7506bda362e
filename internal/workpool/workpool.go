// Package workpool provides bounded goroutine pools.
//
// Two roles are kept apart: the default pool for ordinary work and a storage
// pool, sized from the CPU count, used only for offer I/O (checksums,
// replication copies, reconciliation chunks). A slow backend can exhaust the
// storage pool without delaying anything scheduled on the default pool.
package workpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// Pool runs submitted tasks with at most Size running at once.
type Pool struct {
	name string
	sem  chan struct{}
}

// New creates a pool. size < 1 is treated as 1.
func New(name string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{name: name, sem: make(chan struct{}, size)}
}

// NewDefault creates the general-purpose pool.
func NewDefault(size int) *Pool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	return New("default", size)
}

// NewStorage creates the storage I/O pool. size < 1 means 2 × NumCPU.
func NewStorage(size int) *Pool {
	if size < 1 {
		size = 2 * runtime.NumCPU()
	}
	return New("storage", size)
}

// Name returns the pool's role name.
func (p *Pool) Name() string { return p.name }

// Size returns the maximum number of concurrently running tasks.
func (p *Pool) Size() int { return cap(p.sem) }

// Future is the pending result of a submitted task.
type Future struct {
	done chan struct{}
	err  error
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit schedules fn and returns its Future. Submit itself blocks while the
// pool is full, which throttles producers. If ctx ends first, fn never runs
// and the future reports ctx.Err(). A panic in fn is returned as an error.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) *Future {
	f := &Future{done: make(chan struct{})}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		f.err = ctx.Err()
		close(f.done)
		return f
	}
	go func() {
		defer close(f.done)
		defer func() { <-p.sem }()
		f.err = run(ctx, fn)
	}()
	return f
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Group joins a set of tasks on one pool. The first failure cancels the
// group's context so remaining tasks can stop early.
type Group struct {
	pool   *Pool
	ctx    context.Context
	cancel context.CancelCauseFunc

	wg   sync.WaitGroup
	once sync.Once
	err  error
}

// Group starts a task group derived from ctx.
func (p *Pool) Group(ctx context.Context) *Group {
	gctx, cancel := context.WithCancelCause(ctx)
	return &Group{pool: p, ctx: gctx, cancel: cancel}
}

// Context is cancelled once any task fails or Wait returns.
func (g *Group) Context() context.Context { return g.ctx }

// Go submits fn to the group's pool.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)
	f := g.pool.Submit(g.ctx, fn)
	go func() {
		defer g.wg.Done()
		<-f.done
		if f.err != nil {
			g.once.Do(func() {
				g.err = f.err
				g.cancel(f.err)
			})
		}
	}()
}

// Wait blocks until every task has finished and returns the first error.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.cancel(nil)
	return g.err
}
