package coherency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/workpool"
)

// Orchestration defaults.
const (
	DefaultMaxInFlight  = 4
	DefaultChildTimeout = 15 * time.Minute
	DefaultPollInterval = time.Second
	DefaultAbandonGrace = 5 * time.Second
)

// OperationJournal records the parent and child check operations.
type OperationJournal interface {
	CreateOperation(ctx context.Context, op ir.Operation) (ir.Operation, error)
	Transition(ctx context.Context, id int64, from, to ir.Status, message string) error
	Status(ctx context.Context, id int64) (ir.Status, error)
	DeleteOperation(ctx context.Context, id int64) error
	ListChildren(ctx context.Context, parent int64) ([]ir.Operation, error)
}

// Tenants lists the tenants to check.
type Tenants interface {
	Tenants() []int
}

// Checker runs one tenant check. *Verifier implements it.
type Checker interface {
	CheckTenant(ctx context.Context, tenant int) TenantReport
}

// OrchestratorConfig bounds a check of all tenants.
type OrchestratorConfig struct {
	// MaxInFlight is the number of tenant checks running at once.
	MaxInFlight int
	// ChildTimeout is how long one tenant check may take to reach a
	// terminal status before the whole check fails.
	ChildTimeout time.Duration
	// PollInterval is how often a child's status is read.
	PollInterval time.Duration
	// AbandonGrace is how long a failed check waits for its cancelled
	// children before deleting them. Never longer than ChildTimeout.
	AbandonGrace time.Duration
	// AdminTenant owns the parent operation.
	AdminTenant int
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.ChildTimeout <= 0 {
		c.ChildTimeout = DefaultChildTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.AbandonGrace <= 0 {
		c.AbandonGrace = DefaultAbandonGrace
	}
	c.AbandonGrace = min(c.AbandonGrace, c.ChildTimeout)
	return c
}

// Orchestrator checks every tenant under one parent operation, one child
// operation per tenant.
type Orchestrator struct {
	journal OperationJournal
	tenants Tenants
	checker Checker
	pool    *workpool.Pool
	cfg     OrchestratorConfig
	logger  *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTaskPool sets the pool tenant checks run on. It must not be the
// storage pool the verifier reads on.
func WithTaskPool(p *workpool.Pool) OrchestratorOption {
	return func(o *Orchestrator) {
		o.pool = p
	}
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(j OperationJournal, tenants Tenants, checker Checker, cfg OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		journal: j,
		tenants: tenants,
		checker: checker,
		cfg:     cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.pool == nil {
		o.pool = workpool.NewDefault(o.cfg.MaxInFlight)
	}
	return o
}

// Result is the outcome of CheckAll.
type Result struct {
	// Operation is the parent operation id.
	Operation int64
	// Tenants holds the report of every child observed, in observation order.
	Tenants []TenantReport
	Err     error
}

type child struct {
	id       int64
	tenant   int
	future   *workpool.Future
	report   TenantReport
	observed bool
}

// CheckAll checks every tenant. The first child that fails or times out
// fails the parent; every child not yet observed is then cancelled and
// deleted along with the rest.
func (o *Orchestrator) CheckAll(ctx context.Context) (Result, error) {
	tenants := o.tenants.Tenants()
	parent, err := o.journal.CreateOperation(ctx, ir.Operation{
		Tenant:     o.cfg.AdminTenant,
		Type:       ir.OpCoherency,
		Status:     ir.StatusRun,
		Message:    fmt.Sprintf("checking %d tenants", len(tenants)),
		Properties: ir.Map{"tenants": ir.Int(len(tenants))},
	})
	if err != nil {
		return Result{}, fmt.Errorf("create coherency operation: %w", err)
	}
	result := Result{Operation: parent.ID}
	log := o.logger.With("operation", parent.ID)
	log.Info("coherency check started", "tenants", len(tenants))

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pending []*child
	var failure error
	next := func() {
		c := pending[0]
		pending = pending[1:]
		if err := o.observe(ctx, c, &result); err != nil {
			failure = err
			if !c.observed {
				pending = append(pending, c)
			}
		}
	}

	for _, tenant := range tenants {
		for failure == nil && len(pending) >= o.cfg.MaxInFlight {
			next()
		}
		if failure != nil {
			break
		}
		c, err := o.spawn(taskCtx, parent.ID, tenant)
		if err != nil {
			failure = err
			break
		}
		pending = append(pending, c)
	}
	for failure == nil && len(pending) > 0 {
		next()
	}

	if failure != nil {
		cancel()
		o.abandon(ctx, parent.ID, pending)
	}

	result.Err = failure
	finish := context.WithoutCancel(ctx)
	if failure != nil {
		msg := ir.Diagnostic(parent.ID, ir.StatusRun, failure)
		if err := o.journal.Transition(finish, parent.ID, ir.StatusRun, ir.StatusFatal, msg); err != nil {
			log.Error("failed to record coherency failure", "error", err)
		}
		log.Error("coherency check failed", "error", failure)
		return result, failure
	}
	msg := fmt.Sprintf("checked %d tenants", len(result.Tenants))
	if err := o.journal.Transition(finish, parent.ID, ir.StatusRun, ir.StatusOK, msg); err != nil {
		return result, fmt.Errorf("complete coherency operation %d: %w", parent.ID, err)
	}
	log.Info("coherency check passed", "tenants", len(result.Tenants))
	return result, nil
}

// spawn records a child operation for tenant and starts its check.
func (o *Orchestrator) spawn(ctx context.Context, parent int64, tenant int) (*child, error) {
	op, err := o.journal.CreateOperation(ctx, ir.Operation{
		Tenant:   tenant,
		Type:     ir.OpTenantCheck,
		Status:   ir.StatusRun,
		Message:  fmt.Sprintf("checking tenant %d", tenant),
		ParentID: &parent,
	})
	if err != nil {
		return nil, fmt.Errorf("create tenant check: %w", err)
	}
	c := &child{id: op.ID, tenant: tenant}
	c.future = o.pool.Submit(ctx, func(ctx context.Context) error {
		c.report = o.checker.CheckTenant(ctx, tenant)
		return o.record(context.WithoutCancel(ctx), c)
	})
	return c, nil
}

// record writes the child's terminal status from its report.
func (o *Orchestrator) record(ctx context.Context, c *child) error {
	if err := c.report.Err(); err != nil {
		return o.journal.Transition(ctx, c.id, ir.StatusRun, ir.StatusFatal, ir.Diagnostic(c.id, ir.StatusRun, err))
	}
	msg := fmt.Sprintf("tenant %d consistent: %d segments, %d objects",
		c.tenant, len(c.report.Ledger.Segments), c.report.Archive.Objects)
	return o.journal.Transition(ctx, c.id, ir.StatusRun, ir.StatusOK, msg)
}

// observe polls the child until it is terminal or ChildTimeout passes, then
// deletes it.
func (o *Orchestrator) observe(ctx context.Context, c *child, result *Result) error {
	deadline := time.NewTimer(o.cfg.ChildTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	var status ir.Status
	for {
		var err error
		status, err = o.journal.Status(ctx, c.id)
		if err != nil {
			return fmt.Errorf("poll tenant check %d: %w", c.id, err)
		}
		if status.Terminal() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ir.Internal(ir.CodeChildTimeout, "tenant check %d did not finish within %s", c.id, o.cfg.ChildTimeout).
				WithTenant(c.tenant)
		case <-ticker.C:
		}
	}

	// The task returns right after writing the status.
	if err := c.future.Wait(ctx); err != nil {
		return fmt.Errorf("tenant check %d: %w", c.id, err)
	}
	c.observed = true
	result.Tenants = append(result.Tenants, c.report)
	if err := o.journal.DeleteOperation(ctx, c.id); err != nil {
		o.logger.Warn("delete tenant check failed", "operation", c.id, "error", err)
	}

	if status != ir.StatusOK {
		e := ir.Internal(ir.CodeChildFailed, "tenant check %d ended %s", c.id, status).WithTenant(c.tenant)
		e.Err = c.report.Err()
		return e
	}
	return nil
}

// abandon waits up to AbandonGrace for the cancelled children, then cancels
// and deletes every remaining child of parent.
func (o *Orchestrator) abandon(ctx context.Context, parent int64, pending []*child) {
	ctx = context.WithoutCancel(ctx)
	wait, cancel := context.WithTimeout(ctx, o.cfg.AbandonGrace)
	defer cancel()
	for _, c := range pending {
		if err := c.future.Wait(wait); err != nil && wait.Err() != nil {
			break
		}
	}
	n, err := o.Cleanup(ctx, parent)
	if err != nil {
		o.logger.Error("cleanup of tenant checks failed", "operation", parent, "error", err)
		return
	}
	if n > 0 {
		o.logger.Warn("abandoned tenant checks deleted", "operation", parent, "children", n)
	}
}

// Cleanup cancels every non-terminal child of parent and deletes all of its
// children. It returns the number deleted. Safe to call for the parent of a
// crashed check.
func (o *Orchestrator) Cleanup(ctx context.Context, parent int64) (int, error) {
	children, err := o.journal.ListChildren(ctx, parent)
	if err != nil {
		return 0, fmt.Errorf("cleanup tenant checks: %w", err)
	}
	cancelled := ir.Functional(ir.CodeCancelled, "parent check %d aborted", parent)
	for _, c := range children {
		if !c.Status.Terminal() {
			err := o.journal.Transition(ctx, c.ID, c.Status, ir.StatusFatal, ir.Diagnostic(c.ID, c.Status, cancelled))
			if err != nil && ir.CodeOf(err) != ir.CodeStateConflict {
				return 0, fmt.Errorf("cancel tenant check %d: %w", c.ID, err)
			}
		}
		if err := o.journal.DeleteOperation(ctx, c.ID); err != nil {
			return 0, fmt.Errorf("cleanup tenant checks: %w", err)
		}
	}
	return len(children), nil
}
