package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/coffer/internal/ir"
)

// Processor acts on each record a scan yields.
type Processor interface {
	Process(ctx context.Context, obj ir.ChecksummedObject) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, obj ir.ChecksummedObject) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, obj ir.ChecksummedObject) error {
	return f(ctx, obj)
}

// Inserter is the Processor that fills a Set.
type Inserter struct {
	Set *Set
}

// Process implements Processor.
func (i Inserter) Process(_ context.Context, obj ir.ChecksummedObject) error {
	return i.Set.Insert(obj)
}

// Stats summarises one scan.
type Stats struct {
	Tenant        int
	HighWaterMark int64
	// JournalCount and LedgerCount are the count pass results per source.
	// The ledger count leaves out identities the journal also holds.
	JournalCount int
	LedgerCount  int
	// Offered is the number of records the fill pass produced.
	Offered int
	// Distinct is the number of distinct identities in the built set.
	Distinct int
	Elapsed  time.Duration
}

// Scanner runs the count and fill passes over the pair its factory selects.
type Scanner struct {
	factory IteratorFactory
	logger  *slog.Logger
}

// NewScanner creates a scanner. A nil logger means slog.Default.
func NewScanner(f IteratorFactory, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{factory: f, logger: logger}
}

// Build counts the tenant's distinct identities, allocates a Set sized to the
// count and fills it (ledger first, then journal, so a later reference
// replaces an earlier digest). The returned set is frozen.
//
// The fill pass must produce exactly as many identities as the count pass
// saw; more fail with CAPACITY_EXCEEDED, fewer with an internal error.
func (s *Scanner) Build(ctx context.Context, tenant int) (*Set, Stats, error) {
	start := time.Now()
	pair, err := s.factory.Pair(ctx, tenant)
	if err != nil {
		return nil, Stats{}, err
	}
	stats := Stats{Tenant: tenant, HighWaterMark: pair.HighWaterMark}

	stats.LedgerCount, err = pair.Ledger.Count(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("count %s: %w", pair.Ledger.Name(), err)
	}
	stats.JournalCount, err = pair.Journal.Count(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("count %s: %w", pair.Journal.Name(), err)
	}

	set, err := NewSet(stats.LedgerCount + stats.JournalCount)
	if err != nil {
		return nil, stats, err
	}
	if err := fill(ctx, pair, Inserter{Set: set}); err != nil {
		return nil, stats, err
	}
	set.Freeze()

	stats.Offered = set.Offered()
	stats.Distinct = set.Len()
	stats.Elapsed = time.Since(start)
	if stats.Distinct != set.Capacity() {
		return nil, stats, ir.Internal(ir.CodeInternal, "count pass saw %d identities, fill pass %d", set.Capacity(), stats.Distinct).
			WithTenant(tenant)
	}

	s.logger.Debug("scan built",
		"factory", s.factory.Name(),
		"tenant", tenant,
		"high_water_mark", stats.HighWaterMark,
		"ledger", stats.LedgerCount,
		"journal", stats.JournalCount,
		"distinct", stats.Distinct,
		"elapsed", stats.Elapsed)
	return set, stats, nil
}

// Run streams the tenant's records into p without building a set. Records
// present in both sources are processed once per occurrence, so p must be
// idempotent.
func (s *Scanner) Run(ctx context.Context, tenant int, p Processor) (Stats, error) {
	start := time.Now()
	pair, err := s.factory.Pair(ctx, tenant)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Tenant: tenant, HighWaterMark: pair.HighWaterMark}
	counting := ProcessorFunc(func(ctx context.Context, obj ir.ChecksummedObject) error {
		stats.Offered++
		return p.Process(ctx, obj)
	})
	if err := fill(ctx, pair, counting); err != nil {
		return stats, err
	}
	stats.Elapsed = time.Since(start)
	return stats, nil
}

func fill(ctx context.Context, pair Pair, p Processor) error {
	for _, src := range []Source{pair.Ledger, pair.Journal} {
		err := src.Iterate(ctx, func(obj ir.ChecksummedObject) error {
			return p.Process(ctx, obj)
		})
		if err != nil {
			return fmt.Errorf("fill %s: %w", src.Name(), err)
		}
	}
	return nil
}
