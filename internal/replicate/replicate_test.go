package replicate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/store"
	"github.com/roach88/coffer/internal/testutil"
)

type fixture struct {
	store    *store.Store
	registry *offer.Registry
	a, c     *offer.Memory
	binaries []ir.ObjectID
}

// newFixture seeds tenant 0 on offer A with two sealed segments, then adds
// an empty offer C.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testutil.NewManualClock()
	f := &fixture{
		store:    testutil.OpenStore(t, clk),
		registry: offer.NewRegistry(),
		a:        offer.NewMemory("A"),
		c:        offer.NewMemory("C"),
	}
	f.registry.AddTenant(0)
	require.NoError(t, f.registry.AddOffer(0, f.a))

	src := []offer.Offer{f.a}
	for seg := range 2 {
		var actions []ir.Action
		for i := range 5 {
			id := ir.ObjectID{Tenant: 0, ID: int64(seg*10 + i + 1), Type: ir.TypeBinary}
			actions = append(actions, testutil.PutObject(t, src, id, testutil.Blob(uint64(id.ID), 64)))
			f.binaries = append(f.binaries, id)
		}
		testutil.Finish(t, f.store, 0, ir.StatusOK, actions...)
		testutil.SealDue(t, f.store, src, 0)
	}
	require.NoError(t, f.registry.AddOffer(0, f.c))
	return f
}

func (f *fixture) replicator() *Replicator {
	return New(f.store, f.registry, WithChunkSize(3))
}

func TestReplicate_FillsNewOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.replicator().Replicate(ctx, 0, "A", "C")
	require.NoError(t, err)
	// 10 binaries plus segments 1 and 2.
	assert.Equal(t, 12, report.Objects)
	assert.Equal(t, 12, report.Copied)
	assert.Zero(t, report.Intact)

	for _, id := range f.binaries {
		want, err := offer.ReadAll(ctx, f.a, id)
		require.NoError(t, err)
		got, err := offer.ReadAll(ctx, f.c, id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	segs, err := f.c.ListSegments(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, segs)
}

func TestReplicate_SecondRunCopiesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.replicator().Replicate(ctx, 0, "A", "C")
	require.NoError(t, err)

	report, err := f.replicator().Replicate(ctx, 0, "A", "C")
	require.NoError(t, err)
	assert.Zero(t, report.Copied)
	assert.Equal(t, 12, report.Intact)
}

func TestReplicate_RepairsDamagedTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.replicator().Replicate(ctx, 0, "A", "C")
	require.NoError(t, err)
	require.True(t, f.c.Corrupt(f.binaries[3], 0))

	report, err := f.replicator().Replicate(ctx, 0, "A", "C")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Copied)

	digest, err := offer.Digest(ctx, f.c, f.binaries[3], ir.SHA256)
	require.NoError(t, err)
	assert.Equal(t, ir.SHA256.MustSumBytes(testutil.Blob(uint64(f.binaries[3].ID), 64)), digest)
}

func TestReplicate_NeverPropagatesDamagedSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.a.Corrupt(f.binaries[0], 5))

	_, err := f.replicator().Replicate(ctx, 0, "A", "C")
	require.Error(t, err)
	e, ok := ir.AsError(err)
	require.True(t, ok)
	assert.Equal(t, ir.CodeChecksumMismatch, e.Code)
	assert.Equal(t, "A", e.Offer)
	assert.False(t, f.c.Has(f.binaries[0]))
}

func TestReplicate_UnknownOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.replicator().Replicate(ctx, 0, "A", "Z")
	assert.Equal(t, ir.CodeOfferNotFound, ir.CodeOf(err))

	_, err = f.replicator().Replicate(ctx, 0, "A", "A")
	assert.Equal(t, ir.CodeInvalidRequest, ir.CodeOf(err))

	_, err = f.replicator().Replicate(ctx, 4, "A", "C")
	assert.Equal(t, ir.CodeTenantNotFound, ir.CodeOf(err))
}
