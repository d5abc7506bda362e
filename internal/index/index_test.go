package index

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coffer/internal/ir"
)

func TestMemory_Records(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.IndexOperation(ctx, ir.Operation{ID: 1}))
	require.NoError(t, m.IndexSealed(ctx, 2, 5, []ir.Operation{{ID: 2}, {ID: 3}}))
	unit := ir.ChecksummedObject{ObjectID: ir.ObjectID{Tenant: 2, ID: 1, Type: ir.TypeUnit}}
	require.NoError(t, m.IndexObject(ctx, unit, []byte("{}")))

	assert.Equal(t, []int64{1, 2, 3}, m.Operations())
	assert.Equal(t, []int64{5}, m.Sealed(2))
	assert.Equal(t, "{}", m.Objects()[unit.ObjectID])

	boom := errors.New("index down")
	m.FailWith(boom)
	assert.ErrorIs(t, m.IndexOperation(ctx, ir.Operation{ID: 4}), boom)
}

func TestLogSink_NeverFails(t *testing.T) {
	var s LogSink
	assert.NoError(t, s.IndexOperation(context.Background(), ir.Operation{ID: 1}))
	assert.NoError(t, s.IndexSealed(context.Background(), 0, 1, nil))
	assert.NoError(t, s.IndexObject(context.Background(), ir.ChecksummedObject{}, nil))
}

func TestAsync_DeliversInOrder(t *testing.T) {
	mem := NewMemory()
	a := NewAsync(mem, nil)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	for i := int64(1); i <= 50; i++ {
		require.NoError(t, a.IndexOperation(context.Background(), ir.Operation{ID: i}))
	}
	a.Flush()

	ids := mem.Operations()
	require.Len(t, ids, 50)
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}

	a.Close()
	require.NoError(t, <-done)
}

func TestAsync_FailuresAreSwallowed(t *testing.T) {
	mem := NewMemory()
	mem.FailWith(errors.New("index down"))
	a := NewAsync(mem, nil)

	// Enqueue succeeds regardless of the sink's health.
	assert.NoError(t, a.IndexSealed(context.Background(), 0, 1, []ir.Operation{{ID: 1}}))
	assert.Equal(t, 1, a.Len())

	a.Close()
	require.NoError(t, a.Run(context.Background()), "Close drains then stops")
	assert.Zero(t, a.Len())
	assert.Empty(t, mem.Sealed(0))

	assert.NoError(t, a.IndexOperation(context.Background(), ir.Operation{ID: 9}), "closed queue drops silently")
	assert.Zero(t, a.Len())
}

func TestAsync_StopsOnContext(t *testing.T) {
	a := NewAsync(NewMemory(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Run(ctx), context.Canceled)
}
