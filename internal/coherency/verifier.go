// Package coherency proves that every offer of a tenant holds the same
// sealed ledger and intact copies of every committed object.
//
// A tenant check is two independent passes: the ledger check compares the
// segment listings and digests of all offers, the archive check rebuilds the
// reconciliation set and re-reads every object. Both must pass.
package coherency

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/scan"
	"github.com/roach88/coffer/internal/store"
	"github.com/roach88/coffer/internal/workpool"
)

// DefaultChunkSize is the number of objects handed to one storage task.
const DefaultChunkSize = 1000

// Journal is the part of the store the verifier reads.
type Journal interface {
	scan.Journal
}

// Offers lists a tenant's offers.
type Offers interface {
	Offers(tenant int) ([]offer.Offer, error)
}

// Verifier runs tenant checks. It never writes to an offer.
type Verifier struct {
	journal   Journal
	offers    Offers
	pool      *workpool.Pool
	chunkSize int
	pageSize  int
	logger    *slog.Logger
	shuffle   func(n int) []int
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPool sets the storage pool the archive check reads on.
func WithPool(p *workpool.Pool) Option {
	return func(v *Verifier) {
		v.pool = p
	}
}

// WithChunkSize sets the number of objects per storage task.
func WithChunkSize(n int) Option {
	return func(v *Verifier) {
		v.chunkSize = n
	}
}

// WithPageSize sets the journal page size of the scan.
func WithPageSize(n int) Option {
	return func(v *Verifier) {
		v.pageSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = l
	}
}

// withShuffle replaces the per-object offer order. Tests only.
func withShuffle(fn func(n int) []int) Option {
	return func(v *Verifier) {
		v.shuffle = fn
	}
}

// NewVerifier creates a verifier.
func NewVerifier(j Journal, offers Offers, opts ...Option) *Verifier {
	v := &Verifier{
		journal:   j,
		offers:    offers,
		chunkSize: DefaultChunkSize,
		pageSize:  scan.DefaultPageSize,
		shuffle:   randomOrder,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.pool == nil {
		v.pool = workpool.NewStorage(0)
	}
	if v.chunkSize <= 0 {
		v.chunkSize = DefaultChunkSize
	}
	return v
}

// TenantReport is the outcome of one tenant check.
type TenantReport struct {
	Tenant  int           `json:"tenant"`
	Ledger  LedgerReport  `json:"ledger"`
	Archive ArchiveReport `json:"archive"`
	Elapsed time.Duration `json:"-"`
}

// Err returns the first failure of the check, ledger first.
func (r TenantReport) Err() error {
	if r.Ledger.Err != nil {
		return r.Ledger.Err
	}
	return r.Archive.Err
}

// OK reports whether both passes succeeded.
func (r TenantReport) OK() bool { return r.Err() == nil }

// CheckTenant runs both passes for tenant. A failed ledger check does not
// prevent the archive check; the report carries both outcomes.
func (v *Verifier) CheckTenant(ctx context.Context, tenant int) TenantReport {
	start := time.Now()
	report := TenantReport{Tenant: tenant}
	report.Ledger = v.CheckLedger(ctx, tenant)
	if ctx.Err() == nil {
		report.Archive = v.CheckArchive(ctx, tenant)
	} else {
		report.Archive.Err = ctx.Err()
	}
	report.Elapsed = time.Since(start)

	log := v.logger.With("tenant", tenant, "elapsed", report.Elapsed)
	if err := report.Err(); err != nil {
		log.Error("coherency check failed", "error", err)
	} else {
		log.Info("coherency check passed",
			"segments", len(report.Ledger.Segments),
			"objects", report.Archive.Objects)
	}
	return report
}

func (v *Verifier) scanner() *scan.Scanner {
	return scan.NewScanner(scan.NewCoherencyFactory(v.journal, v.offers,
		scan.WithPageSize(v.pageSize),
		scan.WithLogger(v.logger),
	), v.logger)
}

// segments returns the journal's record of segments 1..hwm.
func (v *Verifier) segments(ctx context.Context, tenant int, hwm int64) ([]store.Segment, error) {
	all, err := v.journal.ListSegments(ctx, tenant)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, s := range all {
		if s.Number <= hwm {
			out = append(out, s)
		}
	}
	return out, nil
}

func tenantError(code ir.ErrorCode, tenant int, format string, args ...any) *ir.Error {
	return ir.Internal(code, format, args...).WithTenant(tenant)
}
