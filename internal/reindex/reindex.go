// Package reindex rebuilds the search index from the archive itself: every
// committed unit and object group document is read back from the offers
// and handed to the index sink.
package reindex

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/coffer/internal/index"
	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/scan"
)

const chunkSize = 500

// Report counts one reindex run.
type Report struct {
	Tenant    int `json:"tenant"`
	Documents int `json:"documents"`
}

// Reindexer feeds archived metadata documents to a sink.
type Reindexer struct {
	journal scan.Journal
	offers  scan.OfferLister
	sink    index.Sink
	logger  *slog.Logger
}

// New creates a reindexer. A nil logger means slog.Default.
func New(j scan.Journal, offers scan.OfferLister, sink index.Sink, logger *slog.Logger) *Reindexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reindexer{journal: j, offers: offers, sink: sink, logger: logger}
}

// Reindex sends every distinct unit and object group of tenant to the sink,
// in the order the scan first saw them. Each document is read from the first
// offer whose copy matches its recorded digest. Sink errors abort the run.
func (r *Reindexer) Reindex(ctx context.Context, tenant int) (Report, error) {
	report := Report{Tenant: tenant}
	offers, err := r.offers.Offers(tenant)
	if err != nil {
		return report, err
	}

	scanner := scan.NewScanner(scan.NewReindexFactory(r.journal, r.offers,
		scan.WithLogger(r.logger)), r.logger)
	set, _, err := scanner.Build(ctx, tenant)
	if err != nil {
		return report, fmt.Errorf("reindex: %w", err)
	}

	err = set.ForEachChunk(chunkSize, func(chunk []ir.ChecksummedObject) error {
		for _, obj := range chunk {
			data, err := readIntact(ctx, offers, obj)
			if err != nil {
				return err
			}
			if err := r.sink.IndexObject(ctx, obj, data); err != nil {
				return fmt.Errorf("reindex %s: %w", obj.ObjectID, err)
			}
			report.Documents++
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	r.logger.Info("reindex finished", "tenant", tenant, "documents", report.Documents)
	return report, nil
}

func readIntact(ctx context.Context, offers []offer.Offer, obj ir.ChecksummedObject) ([]byte, error) {
	var last error = ir.NotFound(ir.CodeOfferNotFound, "tenant has no offers").WithTenant(obj.Tenant)
	for _, o := range offers {
		data, err := offer.ReadAll(ctx, o, obj.ObjectID)
		if err != nil {
			last = err
			continue
		}
		digest, err := obj.Algorithm.SumBytes(data)
		if err != nil {
			return nil, err
		}
		if digest == obj.Digest {
			return data, nil
		}
		last = ir.Internal(ir.CodeChecksumMismatch, "expected %s, actual %s", obj.Digest, digest).
			WithTenant(obj.Tenant).WithOffer(o.ID()).WithObject(obj.ObjectID)
	}
	return nil, fmt.Errorf("reindex %s: %w", obj.ObjectID, last)
}
