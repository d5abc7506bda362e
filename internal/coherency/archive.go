package coherency

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/offer"
)

// ArchiveReport is the outcome of an archive identity check.
type ArchiveReport struct {
	HighWaterMark int64 `json:"high_water_mark"`
	// Objects is the number of distinct identities verified.
	Objects int `json:"objects"`
	// References is the number of references the scan read, duplicates included.
	References int   `json:"references"`
	Chunks     int   `json:"chunks"`
	Reads      int64 `json:"reads"`
	Err        error `json:"-"`
}

// CheckArchive re-reads every committed object of tenant from every offer
// and compares its digest with the one recorded when it was written.
//
// The reconciliation set is copied out in chunks and each chunk is verified
// on the storage pool. The first mismatch cancels the remaining chunks and
// fails the check with CHECKSUM_MISMATCH.
func (v *Verifier) CheckArchive(ctx context.Context, tenant int) ArchiveReport {
	var report ArchiveReport
	report.Err = v.checkArchive(ctx, tenant, &report)
	return report
}

func (v *Verifier) checkArchive(ctx context.Context, tenant int, report *ArchiveReport) error {
	offers, err := v.offers.Offers(tenant)
	if err != nil {
		return err
	}
	if len(offers) == 0 {
		return ir.NotFound(ir.CodeOfferNotFound, "tenant has no offers").WithTenant(tenant)
	}

	set, stats, err := v.scanner().Build(ctx, tenant)
	if err != nil {
		return fmt.Errorf("archive check: %w", err)
	}
	report.HighWaterMark = stats.HighWaterMark
	report.References = stats.Offered
	report.Objects = set.Len()

	var reads atomic.Int64
	g := v.pool.Group(ctx)
	err = set.ForEachChunk(v.chunkSize, func(chunk []ir.ChecksummedObject) error {
		if err := g.Context().Err(); err != nil {
			return err
		}
		report.Chunks++
		g.Go(func(ctx context.Context) error {
			for _, obj := range chunk {
				n, err := v.verifyObject(ctx, offers, obj)
				reads.Add(int64(n))
				if err != nil {
					return err
				}
			}
			return nil
		})
		return nil
	})
	werr := g.Wait()
	report.Reads = reads.Load()
	if werr != nil {
		return werr
	}
	return err
}

// verifyObject reads obj from every offer in a random order and returns the
// number of reads made.
func (v *Verifier) verifyObject(ctx context.Context, offers []offer.Offer, obj ir.ChecksummedObject) (int, error) {
	reads := 0
	for _, i := range v.shuffle(len(offers)) {
		o := offers[i]
		actual, err := offer.Digest(ctx, o, obj.ObjectID, obj.Algorithm)
		reads++
		if err != nil {
			return reads, fmt.Errorf("archive check: read %s from %s: %w", obj.ObjectID, o.ID(), err)
		}
		if actual != obj.Digest {
			return reads, ir.Internal(ir.CodeChecksumMismatch, "expected %s, actual %s", obj.Digest, actual).
				WithTenant(obj.Tenant).WithOffer(o.ID()).WithObject(obj.ObjectID)
		}
	}
	return reads, nil
}

func randomOrder(n int) []int {
	return rand.Perm(n)
}
