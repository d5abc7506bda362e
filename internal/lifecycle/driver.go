// Package lifecycle drives mutating operations through their stages.
//
// A mutating operation moves INIT → BACKUP → STORE → INDEX → OK. Each stage
// runs a registered Handler and then writes the next status with a message.
// A failing stage moves the operation to FATAL, or parks it in RETRY_STORE
// or RETRY_INDEX when the failure is transient and the stage is retriable.
// Stages must be safe to run more than once.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/coffer/internal/ir"
)

// Handler performs the side effect of one stage and returns the message
// recorded with the next status.
type Handler interface {
	Handle(ctx context.Context, op ir.Operation) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, op ir.Operation) (string, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, op ir.Operation) (string, error) {
	return f(ctx, op)
}

// Stages are the handlers of one operation type. A nil stage passes
// straight through with a generic message.
type Stages struct {
	Init   Handler
	Backup Handler
	Store  Handler
	Index  Handler
}

func (s Stages) handler(status ir.Status) Handler {
	switch status {
	case ir.StatusInit:
		return s.Init
	case ir.StatusBackup:
		return s.Backup
	case ir.StatusStore:
		return s.Store
	case ir.StatusIndex:
		return s.Index
	}
	return nil
}

// Journal is the part of the store the driver uses.
type Journal interface {
	GetOperation(ctx context.Context, id int64) (ir.Operation, error)
	Transition(ctx context.Context, id int64, from, to ir.Status, message string) error
}

// Step records one stage run.
type Step struct {
	ID      int64
	From    ir.Status
	To      ir.Status
	Message string
	// Err is the stage failure that caused a FATAL or RETRY_* status.
	Err error
}

// Driver advances operations one stage at a time.
type Driver struct {
	journal Journal
	stages  map[ir.OperationType]Stages
	logger  *slog.Logger
}

// NewDriver creates a driver. A nil logger means slog.Default.
func NewDriver(j Journal, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{journal: j, stages: make(map[ir.OperationType]Stages), logger: logger}
}

// Register sets the stage handlers for a mutating operation type.
func (d *Driver) Register(t ir.OperationType, s Stages) {
	if !t.Mutating() {
		panic(fmt.Sprintf("lifecycle: %s operations are not staged", t))
	}
	d.stages[t] = s
}

// Advance runs the current stage of operation id and records the outcome.
//
// Terminal and RETRY_* operations are returned unchanged. A cancelled ctx
// leaves the operation where it is for a later run or the timeout sweep.
// The returned error is reserved for the journal and the context; stage
// failures are reported in Step.Err.
func (d *Driver) Advance(ctx context.Context, id int64) (Step, error) {
	op, err := d.journal.GetOperation(ctx, id)
	if err != nil {
		return Step{}, err
	}
	step := Step{ID: id, From: op.Status, To: op.Status}
	if parked(op.Status) {
		return step, nil
	}

	stages, ok := d.stages[op.Type]
	if !op.Type.Mutating() || !ok {
		step.Err = ir.Functional(ir.CodeInvalidTransition, "no stages registered for %s operations", op.Type)
		return d.fail(ctx, op, step)
	}

	step.Message = fmt.Sprintf("%s done", op.Status)
	if h := stages.handler(op.Status); h != nil {
		msg, err := h.Handle(ctx, op)
		if err != nil {
			if ctx.Err() != nil {
				return step, ctx.Err()
			}
			step.Err = err
			return d.fail(ctx, op, step)
		}
		if msg != "" {
			step.Message = msg
		}
	}

	step.To = op.Status.Next()
	if err := d.journal.Transition(ctx, id, op.Status, step.To, step.Message); err != nil {
		return step, fmt.Errorf("advance operation %d: %w", id, err)
	}
	d.logger.Debug("operation advanced", "operation", id, "tenant", op.Tenant, "from", step.From, "to", step.To)
	return step, nil
}

// fail records step.Err as FATAL or the stage's retry state.
func (d *Driver) fail(ctx context.Context, op ir.Operation, step Step) (Step, error) {
	step.To = ir.StatusFatal
	if retry := op.Status.RetryState(); retry != "" && ir.IsTransient(step.Err) {
		step.To = retry
	}
	step.Message = ir.Diagnostic(op.ID, op.Status, step.Err)
	if err := d.journal.Transition(ctx, op.ID, op.Status, step.To, step.Message); err != nil {
		return step, fmt.Errorf("record failure of operation %d: %w", op.ID, err)
	}
	d.logger.Warn("operation stage failed",
		"operation", op.ID,
		"tenant", op.Tenant,
		"stage", op.Status,
		"status", step.To,
		"error", step.Err)
	return step, nil
}

// Drive advances the operation until it is terminal or parked in RETRY_*
// and returns the last step.
func (d *Driver) Drive(ctx context.Context, id int64) (Step, error) {
	for {
		step, err := d.Advance(ctx, id)
		if err != nil {
			return step, err
		}
		if parked(step.To) {
			return step, nil
		}
	}
}

func parked(s ir.Status) bool {
	return s.Terminal() || s == ir.StatusRetryStore || s == ir.StatusRetryIndex
}
