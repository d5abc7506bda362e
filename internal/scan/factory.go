package scan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/store"
)

// DefaultPageSize is the journal page size used when none is configured.
const DefaultPageSize = 1000

// Pair is the journal and ledger source of one tenant scan, both bound to the
// same high-water mark snapshot.
type Pair struct {
	Tenant        int
	HighWaterMark int64
	Journal       Source
	Ledger        Source
}

// IteratorFactory selects the source pair a use case scans.
type IteratorFactory interface {
	Name() string
	Pair(ctx context.Context, tenant int) (Pair, error)
}

// OfferLister provides a tenant's configured offers.
type OfferLister interface {
	Offers(tenant int) ([]offer.Offer, error)
}

// Factory is the IteratorFactory shared by every use case; they differ in
// the object types they keep and in their operation bound.
type Factory struct {
	name         string
	journal      Journal
	offers       OfferLister
	types        []ir.ObjectType
	maxOperation int64
	pageSize     int
	logger       *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithMaxOperation bounds the journal source to operation ids <= id.
func WithMaxOperation(id int64) FactoryOption {
	return func(f *Factory) {
		f.maxOperation = id
	}
}

// WithPageSize sets the journal page size.
func WithPageSize(n int) FactoryOption {
	return func(f *Factory) {
		f.pageSize = n
	}
}

// WithTypes restricts the scan to the given object types.
func WithTypes(types ...ir.ObjectType) FactoryOption {
	return func(f *Factory) {
		f.types = types
	}
}

// WithLogger sets the logger used by the ledger source.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = l
	}
}

func newFactory(name string, j Journal, offers OfferLister, types []ir.ObjectType, opts []FactoryOption) *Factory {
	f := &Factory{
		name:     name,
		journal:  j,
		offers:   offers,
		types:    types,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewCoherencyFactory scans every committed object for verification.
func NewCoherencyFactory(j Journal, offers OfferLister, opts ...FactoryOption) *Factory {
	return newFactory("coherency", j, offers, nil, opts)
}

// NewReindexFactory scans the metadata documents a search index holds.
func NewReindexFactory(j Journal, offers OfferLister, opts ...FactoryOption) *Factory {
	return newFactory("reindex", j, offers, []ir.ObjectType{ir.TypeUnit, ir.TypeObjectGroup}, opts)
}

// NewReplicationFactory scans every committed object to copy between offers.
func NewReplicationFactory(j Journal, offers OfferLister, opts ...FactoryOption) *Factory {
	return newFactory("replication", j, offers, nil, opts)
}

// Name implements IteratorFactory.
func (f *Factory) Name() string { return f.name }

// Pair implements IteratorFactory. The high-water mark and the journal change
// snapshot are read once here, so both passes of a Build see the same inputs.
func (f *Factory) Pair(ctx context.Context, tenant int) (Pair, error) {
	offers, err := f.offers.Offers(tenant)
	if err != nil {
		return Pair{}, err
	}
	hwm, err := f.journal.HighWaterMark(ctx, tenant)
	if err != nil {
		return Pair{}, fmt.Errorf("%s scan pair: %w", f.name, err)
	}
	snap, err := f.journal.ChangeSnapshot(ctx)
	if err != nil {
		return Pair{}, fmt.Errorf("%s scan pair: %w", f.name, err)
	}
	q := store.JournalQuery{
		Tenant:       tenant,
		MaxOperation: f.maxOperation,
		ChangedBy:    snap,
		SealedAbove:  hwm,
		Types:        f.types,
	}
	return Pair{
		Tenant:        tenant,
		HighWaterMark: hwm,
		Journal:       NewJournalSource(f.journal, q, f.pageSize),
		Ledger:        NewLedgerSource(f.journal, offers, tenant, hwm, f.types, f.logger).Excluding(q),
	}, nil
}
