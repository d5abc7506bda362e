package securing

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coffer/internal/index"
	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/ledger"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/store"
	"github.com/roach88/coffer/internal/testutil"
)

type fixture struct {
	clock    *testutil.ManualClock
	store    *store.Store
	registry *offer.Registry
	a, b     *offer.Memory
	sink     *index.Memory
}

func newFixture(t *testing.T, tenants ...int) *fixture {
	t.Helper()
	f := &fixture{
		clock:    testutil.NewManualClock(),
		registry: offer.NewRegistry(),
		a:        offer.NewMemory("A"),
		b:        offer.NewMemory("B"),
		sink:     index.NewMemory(),
	}
	f.store = testutil.OpenStore(t, f.clock)
	if len(tenants) == 0 {
		tenants = []int{0}
	}
	for _, tenant := range tenants {
		f.registry.AddTenant(tenant)
		require.NoError(t, f.registry.AddOffer(tenant, f.a))
		require.NoError(t, f.registry.AddOffer(tenant, f.b))
	}
	return f
}

func (f *fixture) pipeline(cfg Config) *Pipeline {
	return New(f.store, f.registry, cfg, WithClock(f.clock), WithSink(f.sink))
}

// finishWith creates a finished operation carrying n binary actions.
func finishWith(t *testing.T, st *store.Store, tenant int, n int) ir.Operation {
	t.Helper()
	actions := make([]ir.Action, n)
	for i := range actions {
		actions[i] = ir.Action{
			Kind: ir.ActionCreate,
			Object: ir.ChecksummedObject{
				ObjectID:  ir.ObjectID{Tenant: tenant, ID: int64(i + 1), Type: ir.TypeBinary},
				Algorithm: ir.SHA256,
				Digest:    ir.SHA256.MustSumBytes([]byte{byte(i)}),
			},
		}
	}
	return testutil.Finish(t, st, tenant, ir.StatusOK, actions...)
}

func readSegment(t *testing.T, o offer.Offer, tenant int, number int64) (ledger.Header, []ir.Operation) {
	t.Helper()
	data, err := offer.ReadAll(context.Background(), o, ir.SegmentID(tenant, number))
	require.NoError(t, err)
	header, ops, err := ledger.Decode(data)
	require.NoError(t, err)
	return header, ops
}

func TestTick_SealsBacklogOnEveryOffer(t *testing.T) {
	f := newFixture(t)
	ops := []ir.Operation{
		finishWith(t, f.store, 0, 2),
		testutil.Finish(t, f.store, 0, ir.StatusFatal),
		finishWith(t, f.store, 0, 1),
	}

	report, err := f.pipeline(Config{}).Tick(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Failed())
	assert.Equal(t, []int64{1}, report.Sealed(0))

	ha, opsA := readSegment(t, f.a, 0, 1)
	hb, opsB := readSegment(t, f.b, 0, 1)
	assert.Equal(t, ha, hb)
	assert.Equal(t, 3, ha.Operations)
	assert.Empty(t, ha.PreviousDigest)
	require.Len(t, opsA, 3)
	assert.Equal(t, opsA, opsB)
	for i, op := range opsA {
		assert.Equal(t, ops[i].ID, op.ID)
	}

	state, err := f.store.SecureState(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.LastNumber)

	for _, op := range ops {
		got, err := f.store.GetOperation(context.Background(), op.ID)
		require.NoError(t, err)
		require.NotNil(t, got.SecureNumber)
		assert.Equal(t, int64(1), *got.SecureNumber)
	}
}

func TestTick_SecuringOperationReferencesSegment(t *testing.T) {
	f := newFixture(t)
	finishWith(t, f.store, 0, 1)

	_, err := f.pipeline(Config{}).Tick(context.Background())
	require.NoError(t, err)

	segs, err := f.store.ListSegments(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, segs, 1)

	sec, err := f.store.GetOperation(context.Background(), segs[0].SecuringOperation)
	require.NoError(t, err)
	assert.Equal(t, ir.OpSecuring, sec.Type)
	assert.Equal(t, ir.StatusOK, sec.Status)
	require.Len(t, sec.Actions, 1)
	assert.Equal(t, ir.SegmentID(0, 1), sec.Actions[0].Object.ObjectID)
	assert.Equal(t, segs[0].Digest, sec.Actions[0].Object.Digest)

	data, err := offer.ReadAll(context.Background(), f.a, ir.SegmentID(0, 1))
	require.NoError(t, err)
	assert.Equal(t, ir.SHA256.MustSumBytes(data), segs[0].Digest)
}

func TestTick_ChainsSegments(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(Config{})

	finishWith(t, f.store, 0, 1)
	_, err := p.Tick(context.Background())
	require.NoError(t, err)

	// The first securing operation is now due, plus one new operation.
	finishWith(t, f.store, 0, 1)
	report, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, report.Sealed(0))

	segs, err := f.store.ListSegments(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, segs[0].Digest, segs[1].PreviousDigest)

	header, _ := readSegment(t, f.b, 0, 2)
	assert.Equal(t, segs[0].Digest, header.PreviousDigest)
	assert.Equal(t, 2, header.Operations)
}

func TestTick_UnitCeilingSplitsBacklog(t *testing.T) {
	if testing.Short() {
		t.Skip("seeds 150000 actions")
	}
	f := newFixture(t)
	for range 1500 {
		finishWith(t, f.store, 0, 99)
	}

	report, err := f.pipeline(Config{PageSize: 1000, MaxUnits: 100_000}).Tick(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Failed())
	assert.Equal(t, []int64{1, 2}, report.Sealed(0))
	require.Len(t, report.Flushes, 2)
	assert.Equal(t, 1000, report.Flushes[0].Operations)
	assert.Equal(t, 100_000, report.Flushes[0].Units)
	assert.Equal(t, 500, report.Flushes[1].Operations)
	assert.Equal(t, 50_000, report.Flushes[1].Units)

	segs, err := f.store.ListSegments(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, segs[0].LastOperation+1, segs[1].FirstOperation)
}

func TestTick_CeilingAppliesWithinPage(t *testing.T) {
	f := newFixture(t)
	for range 5 {
		finishWith(t, f.store, 0, 3) // 4 units each
	}

	report, err := f.pipeline(Config{PageSize: 100, MaxUnits: 8}).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, report.Sealed(0))
	require.Len(t, report.Flushes, 3)
	assert.Equal(t, []int{2, 2, 1}, []int{
		report.Flushes[0].Operations, report.Flushes[1].Operations, report.Flushes[2].Operations,
	})
}

func TestTick_TenantChangeStartsNewSegment(t *testing.T) {
	f := newFixture(t, 0, 1)
	finishWith(t, f.store, 1, 1)
	finishWith(t, f.store, 0, 1)
	finishWith(t, f.store, 1, 1)

	report, err := f.pipeline(Config{}).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, report.Sealed(0))
	assert.Equal(t, []int64{1}, report.Sealed(1))

	header, ops := readSegment(t, f.a, 1, 1)
	assert.Equal(t, 1, header.Tenant)
	assert.Len(t, ops, 2)
}

func TestTick_SkipsSecuringOnlyBatchWithinMaxDelay(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(Config{TickInterval: time.Hour})
	assert.Equal(t, 23*time.Hour, p.Config().MaxSealDelay)

	finishWith(t, f.store, 0, 1)
	_, err := p.Tick(context.Background())
	require.NoError(t, err)

	// Only the previous securing operation is due.
	f.clock.Advance(30 * time.Minute)
	report, err := p.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Flushes, 1)
	assert.True(t, report.Flushes[0].Skipped)
	assert.Empty(t, report.Sealed(0))
	segs, err := f.a.ListSegments(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, segs)

	// Past the delay the tenant seals again even with no new work.
	f.clock.Advance(23 * time.Hour)
	report, err = p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, report.Sealed(0))
}

func TestTick_FailedTenantDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, 0, 1)
	broken := offer.NewMemory("C")
	broken.Fail(func(op string, _ ir.ObjectID) error {
		if op == "append" {
			return errors.New("disk full")
		}
		return nil
	})
	require.NoError(t, f.registry.AddOffer(0, broken))

	finishWith(t, f.store, 0, 1)
	finishWith(t, f.store, 1, 1)

	report, err := f.pipeline(Config{}).Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, 0, report.Failed()[0].Tenant)
	assert.Equal(t, ir.CodeStorageIO, ir.CodeOf(report.Failed()[0].Err))
	assert.Empty(t, report.Sealed(0))
	assert.Equal(t, []int64{1}, report.Sealed(1))

	state, err := f.store.SecureState(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, state.LastNumber)

	// The securing operation records why it failed.
	failed, err := f.store.ListByStatus(context.Background(), ir.StatusFatal, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ir.OpSecuring, failed[0].Type)
	assert.Contains(t, failed[0].Message, "[STORAGE_IO]")
	assert.Contains(t, failed[0].Message, "offer=C")

	// Once the offer recovers the same backlog seals as segment 1; the
	// leftover from the failed attempt is rewritten.
	broken.Fail(nil)
	report, err = f.pipeline(Config{}).Tick(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Failed())
	assert.Equal(t, []int64{1}, report.Sealed(0))
}

type driftingOffer struct {
	*offer.Memory
}

func (d driftingOffer) AppendSegment(ctx context.Context, tenant int, number int64, data []byte) (int64, error) {
	n, err := d.Memory.AppendSegment(ctx, tenant, number, data)
	return n + 1, err
}

func TestTick_NumberDrift(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.AddOffer(0, driftingOffer{offer.NewMemory("D")}))
	finishWith(t, f.store, 0, 1)

	report, err := f.pipeline(Config{}).Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Failed(), 1)

	e, ok := ir.AsError(report.Failed()[0].Err)
	require.True(t, ok)
	assert.Equal(t, ir.CodeSegmentNumberDrift, e.Code)
	assert.Equal(t, "D", e.Offer)
}

func TestTick_MissingSegmentIsNeverBackfilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pipeline(Config{})
	for range 2 {
		finishWith(t, f.store, 0, 1)
		report, err := p.Tick(ctx)
		require.NoError(t, err)
		require.Empty(t, report.Failed())
	}
	require.NoError(t, f.b.Delete(ctx, ir.SegmentID(0, 2)))

	finishWith(t, f.store, 0, 1)
	for tick := range 2 {
		report, err := p.Tick(ctx)
		require.NoError(t, err)
		require.Len(t, report.Failed(), 1, "tick %d", tick)
		e, ok := ir.AsError(report.Failed()[0].Err)
		require.True(t, ok)
		assert.Equal(t, ir.CodeSegmentNumberDrift, e.Code)
		assert.Equal(t, "B", e.Offer)
		assert.Empty(t, report.Sealed(0))
	}

	numbers, err := f.b.ListSegments(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, numbers)
	state, err := f.store.SecureState(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.LastNumber)
}

func TestTick_DeletesStagingCopies(t *testing.T) {
	f := newFixture(t)
	op := finishWith(t, f.store, 0, 1)
	data, err := ledger.EncodeOperation(op)
	require.NoError(t, err)
	for _, m := range []*offer.Memory{f.a, f.b} {
		require.NoError(t, m.Put(context.Background(), op.StagingID(), bytes.NewReader(data)))
	}
	require.True(t, f.a.Has(op.StagingID()))
	require.True(t, f.b.Has(op.StagingID()))

	_, err = f.pipeline(Config{}).Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, f.a.Has(op.StagingID()))
	assert.False(t, f.b.Has(op.StagingID()))
}

func TestTick_IndexFailureDoesNotFailSeal(t *testing.T) {
	f := newFixture(t)
	finishWith(t, f.store, 0, 1)
	f.sink.FailWith(errors.New("index down"))

	report, err := f.pipeline(Config{}).Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Failed())
	assert.Equal(t, []int64{1}, report.Sealed(0))
}

func TestTick_IndexesSealedOperations(t *testing.T) {
	f := newFixture(t)
	a := finishWith(t, f.store, 0, 1)
	b := finishWith(t, f.store, 0, 1)

	_, err := f.pipeline(Config{}).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, f.sink.Sealed(0))
	ids := f.sink.Operations()
	require.Len(t, ids, 3)
	assert.Equal(t, []int64{a.ID, b.ID}, ids[:2])
}

func TestTick_EmptyBacklog(t *testing.T) {
	f := newFixture(t)
	report, err := f.pipeline(Config{}).Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Flushes)
}

func TestTick_NoOffers(t *testing.T) {
	f := newFixture(t)
	f.registry.AddTenant(7)
	finishWith(t, f.store, 7, 1)

	report, err := f.pipeline(Config{}).Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, ir.CodeOfferNotFound, ir.CodeOf(report.Failed()[0].Err))
}
