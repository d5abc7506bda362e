// Package securing seals completed operations into ledger segments.
//
// Each tick walks the due backlog in (tenant, operation id) order, groups it
// into per-tenant batches bounded by a unit ceiling, and seals every batch
// into the tenant's next numbered segment on all of its offers. A failed
// flush changes nothing durable: its operations stay due and are picked up
// again on a later tick.
package securing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/coffer/internal/clock"
	"github.com/roach88/coffer/internal/index"
	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/store"
	"github.com/roach88/coffer/internal/workpool"
)

// Defaults.
const (
	DefaultPageSize     = 1000
	DefaultMaxUnits     = 100_000
	DefaultTickInterval = time.Hour
)

// Config tunes batching.
type Config struct {
	// PageSize is the number of due operations fetched per query.
	PageSize int
	// MaxUnits caps the operations-plus-actions weight of one segment.
	MaxUnits int
	// TickInterval is how often the securing job runs.
	TickInterval time.Duration
	// MaxSealDelay is how long a tenant with no new work may go without a
	// segment. Zero means 24h minus TickInterval.
	MaxSealDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxUnits <= 0 {
		c.MaxUnits = DefaultMaxUnits
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MaxSealDelay <= 0 {
		c.MaxSealDelay = 24*time.Hour - c.TickInterval
	}
	return c
}

// Journal is the part of the store the pipeline drives.
type Journal interface {
	ListDue(ctx context.Context, now time.Time, cursor store.Cursor, limit int) ([]ir.Operation, error)
	SecureState(ctx context.Context, tenant int) (store.SecureState, error)
	CreateOperation(ctx context.Context, op ir.Operation) (ir.Operation, error)
	Transition(ctx context.Context, id int64, from, to ir.Status, message string) error
	CommitSeal(ctx context.Context, seal store.Seal) error
}

// Offers lists a tenant's offers and guards structural changes to them.
type Offers interface {
	Offers(tenant int) ([]offer.Offer, error)
	Lock(tenant int) (func(), error)
}

// Pipeline is the securing job.
type Pipeline struct {
	journal Journal
	offers  Offers
	sink    index.Sink
	pool    *workpool.Pool
	clock   clock.Clock
	cfg     Config
	logger  *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) {
		p.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithPool sets the storage pool used for offer writes.
func WithPool(pool *workpool.Pool) Option {
	return func(p *Pipeline) {
		p.pool = pool
	}
}

// WithSink sets the search index sink.
func WithSink(s index.Sink) Option {
	return func(p *Pipeline) {
		p.sink = s
	}
}

// New creates a pipeline.
func New(j Journal, offers Offers, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		journal: j,
		offers:  offers,
		cfg:     cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.clock = clock.Or(p.clock)
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.pool == nil {
		p.pool = workpool.NewStorage(0)
	}
	if p.sink == nil {
		p.sink = index.LogSink{Logger: p.logger}
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Flush is the outcome of one batch.
type Flush struct {
	Tenant     int
	Operations int
	Units      int
	// Number is the sealed segment, 0 when nothing was sealed.
	Number int64
	// Skipped is set when backpressure deferred the batch.
	Skipped bool
	Err     error
}

// Report lists the flushes of one tick in order.
type Report struct {
	Flushes []Flush
}

// Sealed returns the segment numbers sealed for tenant this tick.
func (r Report) Sealed(tenant int) []int64 {
	var out []int64
	for _, f := range r.Flushes {
		if f.Tenant == tenant && f.Number > 0 {
			out = append(out, f.Number)
		}
	}
	return out
}

// Failed returns the flushes that ended in an error.
func (r Report) Failed() []Flush {
	var out []Flush
	for _, f := range r.Flushes {
		if f.Err != nil {
			out = append(out, f)
		}
	}
	return out
}

type batch struct {
	tenant int
	ops    []ir.Operation
	units  int
}

// Tick runs one securing pass over everything due at the current time.
//
// A failed flush is recorded in the report and the rest of that tenant's
// backlog is left for the next tick, so its segments keep operation order.
// Only a failure to read the backlog itself is returned as an error.
func (p *Pipeline) Tick(ctx context.Context) (Report, error) {
	now := p.clock.Now()
	var report Report
	failed := make(map[int]bool)
	var b batch

	flush := func() {
		if len(b.ops) == 0 {
			return
		}
		f := p.flush(ctx, b, now)
		if f.Err != nil {
			failed[b.tenant] = true
		}
		report.Flushes = append(report.Flushes, f)
		b = batch{}
	}

	cursor := store.StartCursor
	for {
		page, err := p.journal.ListDue(ctx, now, cursor, p.cfg.PageSize)
		if err != nil {
			return report, fmt.Errorf("securing tick: %w", err)
		}
		for _, op := range page {
			cursor = store.Cursor{Tenant: op.Tenant, LastID: op.ID}
			if failed[op.Tenant] {
				continue
			}
			if len(b.ops) > 0 && (op.Tenant != b.tenant || b.units+op.Units() > p.cfg.MaxUnits) {
				flush()
				if failed[op.Tenant] {
					continue
				}
			}
			b.tenant = op.Tenant
			b.ops = append(b.ops, op)
			b.units += op.Units()
		}
		if len(page) < p.cfg.PageSize {
			break
		}
	}
	flush()
	return report, nil
}

func onlySecuring(ops []ir.Operation) bool {
	for _, op := range ops {
		if op.Type != ir.OpSecuring {
			return false
		}
	}
	return true
}
