package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coffer/internal/ir"
)

// finishedOperation creates a RUN operation and completes it with status.
func finishedOperation(t *testing.T, s *Store, tenant int, status ir.Status, actions ...ir.Action) ir.Operation {
	t.Helper()
	ctx := context.Background()
	op, err := s.CreateOperation(ctx, ir.Operation{Tenant: tenant, Type: ir.OpTransfer, Status: ir.StatusRun, Actions: actions})
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, op.ID, ir.StatusRun, status, "finished"))
	return op
}

func TestListDue_OrderAndCursor(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	a := finishedOperation(t, s, 1, ir.StatusOK)
	b := finishedOperation(t, s, 0, ir.StatusOK)
	c := finishedOperation(t, s, 1, ir.StatusFatal)
	_, err := s.CreateOperation(ctx, ir.Operation{Tenant: 0, Type: ir.OpIngest, Status: ir.StatusInit})
	require.NoError(t, err)

	clk.now = t0.Add(time.Second)
	ops, err := s.ListDue(ctx, clk.now, StartCursor, 10)
	require.NoError(t, err)
	require.Len(t, ops, 3, "non-terminal operations are never due")
	assert.Equal(t, []int64{b.ID, a.ID, c.ID}, []int64{ops[0].ID, ops[1].ID, ops[2].ID})

	ops, err = s.ListDue(ctx, clk.now, Cursor{Tenant: 1, LastID: a.ID}, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, c.ID, ops[0].ID)
}

func TestListDue_RespectsSecuringDelay(t *testing.T) {
	s, clk := createTestStore(t, WithSecuringDelay(time.Hour))
	ctx := context.Background()
	finishedOperation(t, s, 0, ir.StatusOK)

	ops, err := s.ListDue(ctx, clk.now.Add(30*time.Minute), StartCursor, 10)
	require.NoError(t, err)
	assert.Empty(t, ops)

	ops, err = s.ListDue(ctx, clk.now.Add(time.Hour), StartCursor, 10)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestCommitSeal_TagsAndAdvances(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	op1 := finishedOperation(t, s, 3, ir.StatusOK, binaryAction(3, 1, "one"))
	op2 := finishedOperation(t, s, 3, ir.StatusOK)
	sec, err := s.CreateOperation(ctx, ir.Operation{Tenant: 3, Type: ir.OpSecuring, Status: ir.StatusRun})
	require.NoError(t, err)

	seal := Seal{
		Tenant:            3,
		Number:            1,
		Digest:            "d1",
		SealedAt:          clk.now,
		OperationIDs:      []int64{op1.ID, op2.ID},
		SecuringOperation: sec.ID,
	}
	require.NoError(t, s.CommitSeal(ctx, seal))

	state, err := s.SecureState(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.LastNumber)
	assert.Equal(t, "d1", state.LastDigest)
	assert.Equal(t, clk.now, state.LastSealedAt)

	got, err := s.GetOperation(ctx, op1.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SecureNumber)
	assert.Equal(t, int64(1), *got.SecureNumber)

	secured, err := s.GetOperation(ctx, sec.ID)
	require.NoError(t, err)
	require.Len(t, secured.Actions, 1)
	assert.Equal(t, ir.SegmentID(3, 1), secured.Actions[0].Object.ObjectID)

	due, err := s.ListDue(ctx, clk.now.Add(time.Second), StartCursor, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "sealed operations are no longer due")

	segments, err := s.ListSegments(ctx, 3)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 2, segments[0].OperationCount)
	assert.Equal(t, op1.ID, segments[0].FirstOperation)
}

func TestCommitSeal_RejectsNumberDrift(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	op := finishedOperation(t, s, 0, ir.StatusOK)
	sec, err := s.CreateOperation(ctx, ir.Operation{Tenant: 0, Type: ir.OpSecuring, Status: ir.StatusRun})
	require.NoError(t, err)

	err = s.CommitSeal(ctx, Seal{Tenant: 0, Number: 2, Digest: "x", SealedAt: clk.now, OperationIDs: []int64{op.ID}, SecuringOperation: sec.ID})
	assert.Equal(t, ir.CodeSegmentNumberDrift, ir.CodeOf(err))

	hwm, err := s.HighWaterMark(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, hwm, "failed commit must not advance the high-water mark")
}

func TestCommitSeal_LargeBatchChunksInList(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	ids := make([]int64, 0, 1200)
	for i := 0; i < 1200; i++ {
		ids = append(ids, finishedOperation(t, s, 0, ir.StatusOK).ID)
	}
	sec, err := s.CreateOperation(ctx, ir.Operation{Tenant: 0, Type: ir.OpSecuring, Status: ir.StatusRun})
	require.NoError(t, err)

	require.NoError(t, s.CommitSeal(ctx, Seal{Tenant: 0, Number: 1, Digest: "d", SealedAt: clk.now, OperationIDs: ids, SecuringOperation: sec.ID}))

	due, err := s.ListDue(ctx, clk.now.Add(time.Second), StartCursor, 2000)
	require.NoError(t, err)
	assert.Empty(t, due)
}
