package securing

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/ledger"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/store"
)

// flush seals one batch, holding the tenant's structural lock throughout.
func (p *Pipeline) flush(ctx context.Context, b batch, now time.Time) Flush {
	f := Flush{Tenant: b.tenant, Operations: len(b.ops), Units: b.units}
	log := p.logger.With("tenant", b.tenant, "operations", len(b.ops), "units", b.units)

	unlock, err := p.offers.Lock(b.tenant)
	if err != nil {
		f.Err = err
		log.Error("securing flush failed", "error", err)
		return f
	}
	defer unlock()

	state, err := p.journal.SecureState(ctx, b.tenant)
	if err != nil {
		f.Err = err
		log.Error("securing flush failed", "error", err)
		return f
	}

	if onlySecuring(b.ops) && !state.LastSealedAt.IsZero() {
		if elapsed := now.Sub(state.LastSealedAt); elapsed < p.cfg.MaxSealDelay {
			f.Skipped = true
			log.Debug("securing skipped, no new work", "since_last_seal", elapsed)
			return f
		}
	}

	number, err := p.seal(ctx, b, state, now)
	if err != nil {
		f.Err = err
		log.Error("securing flush failed", "segment", state.LastNumber+1, "error", err)
		return f
	}
	f.Number = number
	log.Info("segment sealed", "segment", number)
	return f
}

// seal writes, commits and indexes one segment and returns its number.
func (p *Pipeline) seal(ctx context.Context, b batch, state store.SecureState, now time.Time) (int64, error) {
	offers, err := p.offers.Offers(b.tenant)
	if err != nil {
		return 0, err
	}
	if len(offers) == 0 {
		return 0, ir.NotFound(ir.CodeOfferNotFound, "tenant has no offers").WithTenant(b.tenant)
	}

	number := state.LastNumber + 1
	sec, err := p.journal.CreateOperation(ctx, ir.Operation{
		Tenant:  b.tenant,
		Type:    ir.OpSecuring,
		Status:  ir.StatusRun,
		Message: fmt.Sprintf("sealing %d operations into segment %d", len(b.ops), number),
		Properties: ir.Map{
			"segment":         ir.Int(number),
			"first_operation": ir.Int(b.ops[0].ID),
			"last_operation":  ir.Int(b.ops[len(b.ops)-1].ID),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("create securing operation: %w", err)
	}

	fail := func(err error) (int64, error) {
		msg := ir.Diagnostic(sec.ID, ir.StatusRun, err)
		// Leave the operation for the RUN timeout sweep if this fails too.
		if terr := p.journal.Transition(ctx, sec.ID, ir.StatusRun, ir.StatusFatal, msg); terr != nil {
			p.logger.Error("failed to record securing failure", "operation", sec.ID, "error", terr)
		}
		return 0, err
	}

	data, summary, err := ledger.Encode(ledger.Header{
		Tenant:         b.tenant,
		Number:         number,
		PreviousDigest: state.LastDigest,
		CreatedAt:      now,
	}, b.ops)
	if err != nil {
		return fail(fmt.Errorf("encode segment %d: %w", number, err))
	}

	if err := p.writeSegment(ctx, offers, b.tenant, number, data); err != nil {
		return fail(err)
	}

	ids := make([]int64, len(b.ops))
	for i, op := range b.ops {
		ids[i] = op.ID
	}
	err = p.journal.CommitSeal(ctx, store.Seal{
		Tenant:            b.tenant,
		Number:            number,
		Digest:            summary.Digest,
		PreviousDigest:    state.LastDigest,
		SealedAt:          now,
		OperationIDs:      ids,
		SecuringOperation: sec.ID,
	})
	if err != nil {
		return fail(fmt.Errorf("commit segment %d: %w", number, err))
	}

	// The segment is durable from here on; what follows only tidies up.
	if err := p.sink.IndexSealed(ctx, b.tenant, number, b.ops); err != nil {
		p.logger.Warn("index sealed operations failed", "tenant", b.tenant, "segment", number, "error", err)
	}
	p.deleteStaging(ctx, offers, b.ops)

	msg := fmt.Sprintf("sealed %d operations into segment %d (%s)", len(b.ops), number, summary.Digest)
	if err := p.journal.Transition(ctx, sec.ID, ir.StatusRun, ir.StatusOK, msg); err != nil {
		return 0, fmt.Errorf("complete securing operation %d: %w", sec.ID, err)
	}
	sec.Status = ir.StatusOK
	sec.Message = msg
	if err := p.sink.IndexOperation(ctx, sec); err != nil {
		p.logger.Warn("index securing operation failed", "operation", sec.ID, "error", err)
	}
	return number, nil
}

// writeSegment appends the segment to every offer in parallel on the
// storage pool. Every offer must assign the expected number.
func (p *Pipeline) writeSegment(ctx context.Context, offers []offer.Offer, tenant int, number int64, data []byte) error {
	g := p.pool.Group(ctx)
	for _, o := range offers {
		g.Go(func(ctx context.Context) error {
			assigned, err := o.AppendSegment(ctx, tenant, number, data)
			if err != nil {
				return fmt.Errorf("append segment %d to %s: %w", number, o.ID(), err)
			}
			if assigned != number {
				return ir.Internal(ir.CodeSegmentNumberDrift, "offer assigned %d, expected %d", assigned, number).
					WithTenant(tenant).WithOffer(o.ID()).WithSegment(number)
			}
			return nil
		})
	}
	return g.Wait()
}

// deleteStaging removes the per-operation staging copies now held by the
// segment. Failures only leave redundant files behind and are logged.
func (p *Pipeline) deleteStaging(ctx context.Context, offers []offer.Offer, ops []ir.Operation) {
	g := p.pool.Group(ctx)
	for _, o := range offers {
		g.Go(func(ctx context.Context) error {
			for _, op := range ops {
				err := o.Delete(ctx, op.StagingID())
				if err != nil && !ir.IsNotFound(err) {
					p.logger.Warn("delete staging copy failed", "offer", o.ID(), "operation", op.ID, "error", err)
				}
			}
			return nil
		})
	}
	g.Wait()
}
