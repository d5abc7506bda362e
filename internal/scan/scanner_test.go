package scan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/store"
	"github.com/roach88/coffer/internal/testutil"
)

type fixture struct {
	st       *store.Store
	registry *offer.Registry
	a, b     *offer.Memory
	offers   []offer.Offer
	clock    *testutil.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := testutil.NewManualClock()
	f := &fixture{
		st:       testutil.OpenStore(t, c),
		registry: offer.NewRegistry(),
		a:        offer.NewMemory("A"),
		b:        offer.NewMemory("B"),
		clock:    c,
	}
	require.NoError(t, f.registry.AddOffer(0, f.a))
	require.NoError(t, f.registry.AddOffer(0, f.b))
	f.offers = []offer.Offer{f.a, f.b}
	return f
}

func binID(id int64) ir.ObjectID {
	return ir.ObjectID{Tenant: 0, ID: id, Type: ir.TypeBinary}
}

func unitID(id int64) ir.ObjectID {
	return ir.ObjectID{Tenant: 0, ID: id, Type: ir.TypeUnit}
}

// seed builds a tenant with one sealed segment and unsealed journal work:
//
//	segment 1: op(OK: bin1, unit2), op(FATAL: bin3)
//	journal:   securing op (ledger_segment 1), op(OK: unit2', bin4)
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	testutil.Finish(t, f.st, 0, ir.StatusOK,
		testutil.PutObject(t, f.offers, binID(1), []byte("one")),
		testutil.PutObject(t, f.offers, unitID(2), []byte(`{"title":"two"}`)))
	testutil.Finish(t, f.st, 0, ir.StatusFatal,
		testutil.PutObject(t, f.offers, binID(3), []byte("three")))
	require.Equal(t, int64(1), testutil.SealDue(t, f.st, f.offers, 0))

	testutil.Finish(t, f.st, 0, ir.StatusOK,
		testutil.PutObject(t, f.offers, unitID(2), []byte(`{"title":"two, revised"}`)),
		testutil.PutObject(t, f.offers, binID(4), []byte("four")))
}

func TestBuild_MergesBothSources(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	set, stats, err := NewScanner(NewCoherencyFactory(f.st, f.registry), nil).Build(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.HighWaterMark)
	assert.Equal(t, 1, stats.LedgerCount, "unit 2 is counted on the journal side only")
	assert.Equal(t, 3, stats.JournalCount)
	assert.Equal(t, set.Len(), stats.LedgerCount+stats.JournalCount, "count and fill agree")
	assert.Equal(t, 4, set.Len())
	assert.Equal(t, 5, set.Offered())
	assert.True(t, set.Frozen())

	unit2, ok := set.Lookup(unitID(2))
	require.True(t, ok)
	assert.Equal(t, ir.SHA256.MustSumBytes([]byte(`{"title":"two, revised"}`)), unit2.Digest, "journal reference wins")

	_, ok = set.Lookup(binID(3))
	assert.False(t, ok, "objects of failed operations are excluded")

	seg, ok := set.Lookup(ir.SegmentID(0, 1))
	require.True(t, ok, "sealed segments are committed objects of the securing operation")
	data, err := offer.ReadAll(context.Background(), f.a, ir.SegmentID(0, 1))
	require.NoError(t, err)
	assert.Equal(t, ir.SHA256.MustSumBytes(data), seg.Digest)
}

func TestBuild_FollowsHighWaterMarkAcrossSeals(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	scanner := NewScanner(NewCoherencyFactory(f.st, f.registry), nil)

	before, _, err := scanner.Build(context.Background(), 0)
	require.NoError(t, err)

	require.Equal(t, int64(2), testutil.SealDue(t, f.st, f.offers, 0))

	after, stats, err := scanner.Build(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.HighWaterMark)
	// Unit 2 is sealed in both segments.
	assert.Equal(t, after.Len(), stats.LedgerCount+stats.JournalCount)
	// Segment 2's securing operation is the only new reference.
	assert.Equal(t, before.Len()+1, after.Len())
	_, ok := after.Lookup(ir.SegmentID(0, 2))
	assert.True(t, ok)
}

func TestBuild_CountsEachIdentityOnce(t *testing.T) {
	f := newFixture(t)
	scanner := NewScanner(NewCoherencyFactory(f.st, f.registry), nil)
	unit := unitID(5)
	testutil.Finish(t, f.st, 0, ir.StatusOK, testutil.PutObject(t, f.offers, unit, []byte(`{"v":1}`)))
	require.Equal(t, int64(1), testutil.SealDue(t, f.st, f.offers, 0))
	testutil.Finish(t, f.st, 0, ir.StatusOK, testutil.PutObject(t, f.offers, unit, []byte(`{"v":2}`)))

	// Sealed in segment 1 and updated in the journal.
	set, stats, err := scanner.Build(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, stats.LedgerCount)
	assert.Equal(t, 2, stats.JournalCount, "the unit and ledger segment 1")
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, set.Capacity(), set.Len())
	assert.Equal(t, 3, set.Offered())

	// Sealed again: both references now live in the ledger.
	require.Equal(t, int64(2), testutil.SealDue(t, f.st, f.offers, 0))
	set, stats, err = scanner.Build(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.LedgerCount, "the unit and ledger segment 1")
	assert.Equal(t, 1, stats.JournalCount, "ledger segment 2")
	assert.Equal(t, 3, set.Len())
	assert.Equal(t, set.Capacity(), set.Len())

	got, ok := set.Lookup(unit)
	require.True(t, ok)
	assert.Equal(t, ir.SHA256.MustSumBytes([]byte(`{"v":2}`)), got.Digest)
}

func TestBuild_RewrittenBinaryFails(t *testing.T) {
	f := newFixture(t)
	testutil.Finish(t, f.st, 0, ir.StatusOK, testutil.PutObject(t, f.offers, binID(1), []byte("original")))
	require.Equal(t, int64(1), testutil.SealDue(t, f.st, f.offers, 0))
	testutil.Finish(t, f.st, 0, ir.StatusOK, testutil.PutObject(t, f.offers, binID(1), []byte("rewritten")))

	_, _, err := NewScanner(NewCoherencyFactory(f.st, f.registry), nil).Build(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, ir.CodeChecksumMismatch, ir.CodeOf(err))
	assert.Contains(t, err.Error(), binID(1).String())
}

func TestBuild_StagedIdentitiesAreDropped(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	_, _, err := NewScanner(NewCoherencyFactory(f.st, f.registry), nil).Build(context.Background(), 0)
	require.NoError(t, err)

	var n int
	require.NoError(t, f.st.DB().QueryRow(`SELECT COUNT(*) FROM scan_identities`).Scan(&n))
	assert.Zero(t, n)
}

func TestBuild_SkipsDamagedSegmentCopy(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	require.True(t, f.a.Corrupt(ir.SegmentID(0, 1), 10))

	set, _, err := NewScanner(NewCoherencyFactory(f.st, f.registry), nil).Build(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 4, set.Len())
	assert.Positive(t, f.b.Reads(ir.SegmentID(0, 1)))
}

func TestBuild_FailsWithoutIntactSegment(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	require.True(t, f.a.Corrupt(ir.SegmentID(0, 1), 10))
	require.True(t, f.b.Corrupt(ir.SegmentID(0, 1), 20))

	_, _, err := NewScanner(NewCoherencyFactory(f.st, f.registry), nil).Build(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, ir.CodeSegmentDigestMismatch, ir.CodeOf(err))
}

func TestBuild_ReindexKeepsMetadataOnly(t *testing.T) {
	f := newFixture(t)
	unit := ir.ObjectID{Tenant: 0, ID: 1, Type: ir.TypeUnit}
	testutil.Finish(t, f.st, 0, ir.StatusOK,
		testutil.PutObject(t, f.offers, unit, []byte(`{"title":"x"}`)),
		testutil.PutObject(t, f.offers, binID(9), []byte("bin")))
	testutil.SealDue(t, f.st, f.offers, 0)

	set, stats, err := NewScanner(NewReindexFactory(f.st, f.registry), nil).Build(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.LedgerCount)
	assert.Zero(t, stats.JournalCount)
	assert.Equal(t, 1, set.Len())
	_, ok := set.Lookup(unit)
	assert.True(t, ok)
}

func TestBuild_MaxOperation(t *testing.T) {
	f := newFixture(t)
	first := testutil.Finish(t, f.st, 0, ir.StatusOK, testutil.PutObject(t, f.offers, binID(1), []byte("1")))
	testutil.Finish(t, f.st, 0, ir.StatusOK, testutil.PutObject(t, f.offers, binID(2), []byte("2")))

	set, _, err := NewScanner(NewCoherencyFactory(f.st, f.registry, WithMaxOperation(first.ID)), nil).Build(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
}

func TestBuild_UnknownTenant(t *testing.T) {
	f := newFixture(t)
	_, _, err := NewScanner(NewCoherencyFactory(f.st, f.registry), nil).Build(context.Background(), 7)
	assert.Equal(t, ir.CodeTenantNotFound, ir.CodeOf(err))
}

func TestJournalSource_PagesAgreeWithCount(t *testing.T) {
	f := newFixture(t)
	for i := int64(1); i <= 23; i++ {
		testutil.Finish(t, f.st, 0, ir.StatusOK, testutil.PutObject(t, f.offers, binID(i), testutil.Blob(uint64(i), 8)))
	}
	for _, page := range []int{1, 5, 23, 100} {
		src := NewJournalSource(f.st, store.JournalQuery{Tenant: 0}, page)
		n, err := src.Count(context.Background())
		require.NoError(t, err)
		seen := 0
		require.NoError(t, src.Iterate(context.Background(), func(ir.ChecksummedObject) error {
			seen++
			return nil
		}))
		assert.Equal(t, n, seen, "page size %d", page)
	}
}

func TestRun_StreamsEveryOccurrence(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	var seen []ir.ObjectID
	stats, err := NewScanner(NewCoherencyFactory(f.st, f.registry), nil).Run(context.Background(), 0,
		ProcessorFunc(func(_ context.Context, obj ir.ChecksummedObject) error {
			seen = append(seen, obj.ObjectID)
			return nil
		}))
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Offered)
	assert.Len(t, seen, 5)
	assert.Equal(t, binID(1), seen[0], "ledger records come first")
}

func TestRun_ProcessorErrorAborts(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	stop := errors.New("stop")
	_, err := NewScanner(NewCoherencyFactory(f.st, f.registry), nil).Run(context.Background(), 0,
		ProcessorFunc(func(context.Context, ir.ChecksummedObject) error { return stop }))
	assert.ErrorIs(t, err, stop)
}
