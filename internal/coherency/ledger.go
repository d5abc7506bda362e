package coherency

import (
	"context"
	"fmt"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/store"
)

// SegmentReport is the cross-offer state of one sealed segment.
type SegmentReport struct {
	Number int64 `json:"number"`
	// Digests maps offer id to the digest that offer returned.
	Digests map[string]string `json:"digests"`
	// Consistent is set when every offer agrees with the first offer and the
	// first offer agrees with the journal's chain record.
	Consistent bool `json:"consistent"`
	// Offer is the first disagreeing offer, if any.
	Offer string `json:"offer,omitempty"`
}

// LedgerReport is the outcome of a ledger identity check.
type LedgerReport struct {
	HighWaterMark int64           `json:"high_water_mark"`
	Offers        []string        `json:"offers"`
	Segments      []SegmentReport `json:"segments"`
	// Replicated is false when fewer than two offers are configured; only
	// the chain is checked then.
	Replicated bool  `json:"replicated"`
	Err        error `json:"-"`
}

// CheckLedger compares every sealed segment across the tenant's offers.
//
// Every offer must list the same number of segments up to the high-water
// mark (SEGMENT_COUNT_MISMATCH, fails fast). Each segment's digest must then
// match the first offer's (SEGMENT_DIGEST_MISMATCH), and the first offer's
// copy must match the digest the journal chained at seal time
// (SEGMENT_CHAIN_BROKEN). Every segment is reported; the error names the
// first inconsistent one.
func (v *Verifier) CheckLedger(ctx context.Context, tenant int) LedgerReport {
	var report LedgerReport
	report.Err = v.checkLedger(ctx, tenant, &report)
	return report
}

func (v *Verifier) checkLedger(ctx context.Context, tenant int, report *LedgerReport) error {
	offers, err := v.offers.Offers(tenant)
	if err != nil {
		return err
	}
	if len(offers) == 0 {
		return ir.NotFound(ir.CodeOfferNotFound, "tenant has no offers").WithTenant(tenant)
	}
	for _, o := range offers {
		report.Offers = append(report.Offers, o.ID())
	}
	report.Replicated = len(offers) > 1

	hwm, err := v.journal.HighWaterMark(ctx, tenant)
	if err != nil {
		return fmt.Errorf("ledger check: %w", err)
	}
	report.HighWaterMark = hwm

	recorded, err := v.segments(ctx, tenant, hwm)
	if err != nil {
		return fmt.Errorf("ledger check: %w", err)
	}
	if err := checkChainRecords(tenant, recorded); err != nil {
		return err
	}

	counts := make([]int, len(offers))
	for i, o := range offers {
		n, err := sealedCount(ctx, o, tenant, hwm)
		if err != nil {
			return fmt.Errorf("ledger check: list segments on %s: %w", o.ID(), err)
		}
		counts[i] = n
	}
	for i := 1; i < len(offers); i++ {
		if counts[i] != counts[0] {
			return tenantError(ir.CodeSegmentCountMismatch, tenant,
				"offer %s lists %d segments, offer %s lists %d", offers[i].ID(), counts[i], offers[0].ID(), counts[0]).
				WithOffer(offers[i].ID())
		}
	}

	var first error
	for _, rec := range recorded {
		seg, err := v.compareSegment(ctx, offers, tenant, rec)
		if err != nil && ctx.Err() != nil {
			return err
		}
		report.Segments = append(report.Segments, seg)
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// compareSegment collects the digest of one segment from every offer.
func (v *Verifier) compareSegment(ctx context.Context, offers []offer.Offer, tenant int, rec store.Segment) (SegmentReport, error) {
	seg := SegmentReport{Number: rec.Number, Digests: make(map[string]string, len(offers))}
	id := ir.SegmentID(tenant, rec.Number)

	for _, o := range offers {
		digest, err := o.Checksum(ctx, id, ir.DefaultAlgorithm)
		if err != nil {
			seg.Offer = o.ID()
			return seg, fmt.Errorf("ledger check: segment %d on %s: %w", rec.Number, o.ID(), err)
		}
		seg.Digests[o.ID()] = digest
	}

	base := seg.Digests[offers[0].ID()]
	for _, o := range offers[1:] {
		if got := seg.Digests[o.ID()]; got != base {
			seg.Offer = o.ID()
			return seg, tenantError(ir.CodeSegmentDigestMismatch, tenant,
				"digest %s differs from %s on %s", got, base, offers[0].ID()).
				WithOffer(o.ID()).WithSegment(rec.Number)
		}
	}
	if base != rec.Digest {
		seg.Offer = offers[0].ID()
		return seg, tenantError(ir.CodeSegmentChainBroken, tenant,
			"digest %s differs from the sealed digest %s", base, rec.Digest).
			WithOffer(offers[0].ID()).WithSegment(rec.Number)
	}
	seg.Consistent = true
	return seg, nil
}

// checkChainRecords verifies the journal's own records: numbers run 1..n
// and every segment names its predecessor's digest.
func checkChainRecords(tenant int, recorded []store.Segment) error {
	previous := ""
	for i, rec := range recorded {
		if rec.Number != int64(i+1) {
			return tenantError(ir.CodeSegmentChainBroken, tenant, "journal records segment %d at position %d", rec.Number, i+1).
				WithSegment(rec.Number)
		}
		if rec.PreviousDigest != previous {
			return tenantError(ir.CodeSegmentChainBroken, tenant, "segment records previous digest %s, predecessor is %s",
				rec.PreviousDigest, previous).WithSegment(rec.Number)
		}
		previous = rec.Digest
	}
	return nil
}

// sealedCount counts the segments an offer lists up to hwm. Numbers above
// are uncommitted leftovers of a failed flush.
func sealedCount(ctx context.Context, o offer.Offer, tenant int, hwm int64) (int, error) {
	numbers, err := o.ListSegments(ctx, tenant)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, number := range numbers {
		if number <= hwm {
			n++
		}
	}
	return n, nil
}
