package testutil

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/ledger"
	"github.com/roach88/coffer/internal/offer"
	"github.com/roach88/coffer/internal/store"
)

// PutObject writes data to every offer and returns the create action
// recording its SHA-256 digest.
func PutObject(t testing.TB, offers []offer.Offer, id ir.ObjectID, data []byte) ir.Action {
	t.Helper()
	for _, o := range offers {
		if err := o.Put(context.Background(), id, bytes.NewReader(data)); err != nil {
			t.Fatalf("put %s on %s: %v", id, o.ID(), err)
		}
	}
	return ir.Action{
		Kind: ir.ActionCreate,
		Object: ir.ChecksummedObject{
			ObjectID:  id,
			Algorithm: ir.SHA256,
			Digest:    ir.SHA256.MustSumBytes(data),
		},
	}
}

// Finish creates an operation in RUN with the given actions and moves it to
// status. The operation is due for sealing from then on.
func Finish(t testing.TB, st *store.Store, tenant int, status ir.Status, actions ...ir.Action) ir.Operation {
	t.Helper()
	ctx := context.Background()
	op, err := st.CreateOperation(ctx, ir.Operation{Tenant: tenant, Type: ir.OpTransfer, Status: ir.StatusRun, Actions: actions})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if err := st.Transition(ctx, op.ID, ir.StatusRun, status, "finished"); err != nil {
		t.Fatalf("finish operation %d: %v", op.ID, err)
	}
	op.Status = status
	return op
}

// SealDue seals every due operation of tenant into one segment written to
// every offer, the way a securing pass does, and returns its number.
// Returns 0 when nothing is due.
func SealDue(t testing.TB, st *store.Store, offers []offer.Offer, tenant int) int64 {
	t.Helper()
	ctx := context.Background()

	due, err := st.ListDue(ctx, st.Now(), store.Cursor{Tenant: tenant - 1, LastID: math.MaxInt64}, math.MaxInt32)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	var batch []ir.Operation
	for _, op := range due {
		if op.Tenant == tenant {
			batch = append(batch, op)
		}
	}
	if len(batch) == 0 {
		return 0
	}

	state, err := st.SecureState(ctx, tenant)
	if err != nil {
		t.Fatalf("secure state: %v", err)
	}
	number := state.LastNumber + 1
	data, summary, err := ledger.Encode(ledger.Header{
		Tenant:         tenant,
		Number:         number,
		PreviousDigest: state.LastDigest,
		CreatedAt:      st.Now(),
	}, batch)
	if err != nil {
		t.Fatalf("encode segment: %v", err)
	}
	for _, o := range offers {
		assigned, err := o.AppendSegment(ctx, tenant, number, data)
		if err != nil || assigned != number {
			t.Fatalf("append segment %d on %s: got %d, %v", number, o.ID(), assigned, err)
		}
	}

	sec, err := st.CreateOperation(ctx, ir.Operation{Tenant: tenant, Type: ir.OpSecuring, Status: ir.StatusRun})
	if err != nil {
		t.Fatalf("create securing operation: %v", err)
	}
	ids := make([]int64, len(batch))
	for i, op := range batch {
		ids[i] = op.ID
	}
	err = st.CommitSeal(ctx, store.Seal{
		Tenant:            tenant,
		Number:            number,
		Digest:            summary.Digest,
		PreviousDigest:    state.LastDigest,
		SealedAt:          st.Now(),
		OperationIDs:      ids,
		SecuringOperation: sec.ID,
	})
	if err != nil {
		t.Fatalf("commit seal %d: %v", number, err)
	}
	if err := st.Transition(ctx, sec.ID, ir.StatusRun, ir.StatusOK, "secured"); err != nil {
		t.Fatalf("finish securing operation: %v", err)
	}
	return number
}
