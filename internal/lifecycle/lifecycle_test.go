package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coffer/internal/ir"
	"github.com/roach88/coffer/internal/store"
	"github.com/roach88/coffer/internal/testutil"
	"github.com/roach88/coffer/internal/workpool"
)

func newStore(t *testing.T) (*store.Store, *testutil.ManualClock) {
	t.Helper()
	c := testutil.NewManualClock()
	return testutil.OpenStore(t, c), c
}

func create(t *testing.T, st *store.Store, status ir.Status) ir.Operation {
	t.Helper()
	op, err := st.CreateOperation(context.Background(), ir.Operation{Tenant: 0, Type: ir.OpIngest, Status: status})
	require.NoError(t, err)
	return op
}

// recorder notes which stages ran.
type recorder struct {
	mu     sync.Mutex
	stages []ir.Status
}

func (r *recorder) handler(msg string) Handler {
	return HandlerFunc(func(_ context.Context, op ir.Operation) (string, error) {
		r.mu.Lock()
		r.stages = append(r.stages, op.Status)
		r.mu.Unlock()
		return msg, nil
	})
}

func (r *recorder) seen() []ir.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ir.Status(nil), r.stages...)
}

func TestDrive_HappyPath(t *testing.T) {
	st, _ := newStore(t)
	rec := &recorder{}
	d := NewDriver(st, nil)
	d.Register(ir.OpIngest, Stages{
		Init:   rec.handler("validated"),
		Backup: rec.handler("staged"),
		Store:  rec.handler("stored"),
		Index:  rec.handler("indexed"),
	})
	op := create(t, st, ir.StatusInit)

	step, err := d.Drive(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusOK, step.To)
	assert.Equal(t, []ir.Status{ir.StatusInit, ir.StatusBackup, ir.StatusStore, ir.StatusIndex}, rec.seen())

	got, err := st.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusOK, got.Status)
	assert.Equal(t, "indexed", got.Message)
	assert.NotNil(t, got.SecureAt)
}

func TestAdvance_OneStageAtATime(t *testing.T) {
	st, _ := newStore(t)
	d := NewDriver(st, nil)
	d.Register(ir.OpIngest, Stages{})
	op := create(t, st, ir.StatusInit)

	step, err := d.Advance(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusInit, step.From)
	assert.Equal(t, ir.StatusBackup, step.To)
	assert.Equal(t, "INIT done", step.Message)
}

func TestAdvance_TransientStoreFailureParks(t *testing.T) {
	st, _ := newStore(t)
	d := NewDriver(st, nil)
	storageErr := ir.StorageError("B", ir.ObjectID{Tenant: 0, ID: 1, Type: ir.TypeBinary}, errors.New("timeout"))
	d.Register(ir.OpIngest, Stages{
		Store: HandlerFunc(func(context.Context, ir.Operation) (string, error) { return "", storageErr }),
	})
	op := create(t, st, ir.StatusInit)

	step, err := d.Drive(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRetryStore, step.To)
	assert.Same(t, storageErr, step.Err)

	got, err := st.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRetryStore, got.Status)
	assert.Contains(t, got.Message, "failed in STORE [STORAGE_IO]")
	assert.Contains(t, got.Message, "offer=B")
}

func TestAdvance_TransientFailureWithoutRetryIsFatal(t *testing.T) {
	st, _ := newStore(t)
	d := NewDriver(st, nil)
	d.Register(ir.OpIngest, Stages{
		Backup: HandlerFunc(func(context.Context, ir.Operation) (string, error) {
			return "", ir.StorageError("A", ir.ObjectID{Type: ir.TypeOperationStaging}, errors.New("down"))
		}),
	})
	op := create(t, st, ir.StatusInit)

	step, err := d.Drive(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFatal, step.To)
	assert.Equal(t, ir.StatusBackup, step.From)
}

func TestAdvance_UnregisteredTypeIsFatal(t *testing.T) {
	st, _ := newStore(t)
	d := NewDriver(st, nil)
	op := create(t, st, ir.StatusInit)

	step, err := d.Advance(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFatal, step.To)
	assert.Equal(t, ir.CodeInvalidTransition, ir.CodeOf(step.Err))
}

func TestAdvance_CancelledLeavesStatus(t *testing.T) {
	st, _ := newStore(t)
	d := NewDriver(st, nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Register(ir.OpIngest, Stages{
		Init: HandlerFunc(func(ctx context.Context, _ ir.Operation) (string, error) {
			cancel()
			return "", ctx.Err()
		}),
	})
	op := create(t, st, ir.StatusInit)

	_, err := d.Advance(ctx, op.ID)
	require.ErrorIs(t, err, context.Canceled)

	status, err := st.Status(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusInit, status)
}

func TestAdvance_TerminalUnchanged(t *testing.T) {
	st, _ := newStore(t)
	d := NewDriver(st, nil)
	d.Register(ir.OpIngest, Stages{})
	op := testutil.Finish(t, st, 0, ir.StatusOK)

	step, err := d.Advance(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusOK, step.To)
	assert.Equal(t, step.From, step.To)
}

func TestRegister_RejectsRunOperations(t *testing.T) {
	d := NewDriver(nil, nil)
	assert.Panics(t, func() { d.Register(ir.OpSecuring, Stages{}) })
}

func TestRunner_DrivesQueueOnce(t *testing.T) {
	st, _ := newStore(t)
	var runs atomic.Int32
	d := NewDriver(st, nil)
	d.Register(ir.OpIngest, Stages{
		Init: HandlerFunc(func(context.Context, ir.Operation) (string, error) {
			runs.Add(1)
			return "", nil
		}),
	})
	r := NewRunner(d, workpool.New("test", 4), nil)

	var ids []int64
	for range 10 {
		ids = append(ids, create(t, st, ir.StatusInit).ID)
	}
	r.Enqueue(ids...)
	r.Enqueue(ids[0], ids[1])
	assert.Equal(t, 10, r.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	r.Wait()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, int32(10), runs.Load())
	assert.Zero(t, r.Len())
	for _, id := range ids {
		status, err := st.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, ir.StatusOK, status)
	}
}

func TestSweepTimeouts(t *testing.T) {
	st, c := newStore(t)
	stuckInit := create(t, st, ir.StatusInit)
	stuckRun, err := st.CreateOperation(context.Background(), ir.Operation{Type: ir.OpCoherency, Status: ir.StatusRun})
	require.NoError(t, err)

	s := NewSweeper(st, SweepConfig{}, WithSweepClock(c))
	c.Advance(90 * time.Minute)
	fresh := create(t, st, ir.StatusInit)

	n, err := s.SweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only INIT is past its timeout")

	c.Advance(time.Hour)
	n, err = s.SweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[int64]ir.Status{
		stuckInit.ID: ir.StatusErrorInit,
		stuckRun.ID:  ir.StatusErrorCommit,
		fresh.ID:     ir.StatusInit,
	} {
		status, err := st.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, status, "operation %d", id)
	}
}

func TestSweepRetention_RemovesWorkspaces(t *testing.T) {
	st, c := newStore(t)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "ws")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	op, err := st.CreateOperation(ctx, ir.Operation{Type: ir.OpIngest, Status: ir.StatusIndex, Workspace: dir})
	require.NoError(t, err)
	require.NoError(t, st.Transition(ctx, op.ID, ir.StatusIndex, ir.StatusOK, "done"))
	failed := testutil.Finish(t, st, 0, ir.StatusFatal)
	testutil.SealDue(t, st, nil, 0)

	s := NewSweeper(st, SweepConfig{}, WithSweepClock(c))
	c.Advance(7 * time.Hour)
	n, err := s.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, dir)

	_, err = st.GetOperation(ctx, failed.ID)
	require.NoError(t, err, "failures are kept longer")

	c.Advance(72 * time.Hour)
	n, err = s.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweepRetries_RequeuesParked(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	d := NewDriver(st, nil)
	fail := atomic.Bool{}
	fail.Store(true)
	d.Register(ir.OpIngest, Stages{
		Index: HandlerFunc(func(context.Context, ir.Operation) (string, error) {
			if fail.Load() {
				return "", ir.Transient(ir.CodeInternal, "index unavailable", errors.New("503"))
			}
			return "indexed", nil
		}),
	})
	op := create(t, st, ir.StatusInit)
	step, err := d.Drive(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, ir.StatusRetryIndex, step.To)

	var requeued []int64
	s := NewSweeper(st, SweepConfig{}, WithRequeue(func(ids ...int64) { requeued = append(requeued, ids...) }))
	n, err := s.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{op.ID}, requeued)

	fail.Store(false)
	step, err = d.Drive(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusOK, step.To)
}
