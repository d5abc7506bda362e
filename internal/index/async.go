package index

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/coffer/internal/ir"
)

// request is one queued sink call.
type request struct {
	kind   string
	op     ir.Operation
	tenant int
	number int64
	ops    []ir.Operation
	obj    ir.ChecksummedObject
	data   []byte
}

// Async queues calls to an underlying Sink and delivers them from a single
// goroutine in FIFO order. Enqueuing never blocks; delivery failures are
// logged and dropped.
//
// The queue is unbounded so a slow index cannot stall a securing pass.
type Async struct {
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	pending []request
	closed  bool
	signal  chan struct{} // buffered, size 1
	idle    *sync.Cond
	busy    bool
}

// NewAsync wraps sink. Call Run to start delivery.
func NewAsync(sink Sink, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:    sink,
		logger:  logger,
		pending: make([]request, 0, 64),
		signal:  make(chan struct{}, 1),
	}
	a.idle = sync.NewCond(&a.mu)
	return a
}

func (a *Async) enqueue(r request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Warn("index queue closed, dropping request", "kind", r.kind)
		return nil
	}
	a.pending = append(a.pending, r)
	select {
	case a.signal <- struct{}{}:
	default:
	}
	return nil
}

// IndexOperation implements Sink.
func (a *Async) IndexOperation(_ context.Context, op ir.Operation) error {
	return a.enqueue(request{kind: "operation", op: op})
}

// IndexSealed implements Sink.
func (a *Async) IndexSealed(_ context.Context, tenant int, number int64, ops []ir.Operation) error {
	return a.enqueue(request{kind: "sealed", tenant: tenant, number: number, ops: ops})
}

// IndexObject implements Sink.
func (a *Async) IndexObject(_ context.Context, obj ir.ChecksummedObject, data []byte) error {
	return a.enqueue(request{kind: "object", obj: obj, data: data})
}

// Len returns the number of queued requests.
func (a *Async) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Async) take() (request, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		a.busy = false
		a.idle.Broadcast()
		return request{}, false
	}
	r := a.pending[0]
	// Drop the reference so delivered batches can be collected.
	a.pending[0] = request{}
	a.pending = a.pending[1:]
	a.busy = true
	return r, true
}

// Run delivers queued requests until ctx ends or Close is called and the
// queue is drained.
func (a *Async) Run(ctx context.Context) error {
	for {
		if r, ok := a.take(); ok {
			a.deliver(ctx, r)
			continue
		}
		a.mu.Lock()
		done := a.closed
		a.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.signal:
		}
	}
}

func (a *Async) deliver(ctx context.Context, r request) {
	var err error
	switch r.kind {
	case "operation":
		err = a.sink.IndexOperation(ctx, r.op)
	case "sealed":
		err = a.sink.IndexSealed(ctx, r.tenant, r.number, r.ops)
	case "object":
		err = a.sink.IndexObject(ctx, r.obj, r.data)
	}
	if err != nil {
		a.logger.Error("index delivery failed", "kind", r.kind, "tenant", r.tenant, "segment", r.number, "error", err)
	}
}

// Flush blocks until every request queued so far has been delivered.
// Run must be running.
func (a *Async) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.pending) > 0 || a.busy {
		a.idle.Wait()
	}
}

// Close stops accepting requests. Run returns once the queue is drained.
func (a *Async) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.signal)
}
