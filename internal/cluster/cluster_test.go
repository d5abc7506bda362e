package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coffer/internal/testutil"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(JobSecuring)

	ok, err := s.Active(ctx, JobSecuring)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Active(ctx, JobCoherency)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = All().Active(ctx, "anything")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLease_SingleHolder(t *testing.T) {
	ctx := context.Background()
	c := testutil.NewManualClock()
	st := testutil.OpenStore(t, c)

	a := NewLease(st, "node-a", time.Minute)
	b := NewLease(st, "node-b", time.Minute)

	ok, err := a.Active(ctx, JobSecuring)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Active(ctx, JobSecuring)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Active(ctx, JobCoherency)
	require.NoError(t, err)
	assert.True(t, ok, "jobs are leased independently")

	c.Advance(2 * time.Minute)
	ok, err = b.Active(ctx, JobSecuring)
	require.NoError(t, err)
	assert.True(t, ok, "node-a stopped renewing")

	require.NoError(t, b.Release(ctx, JobSecuring, JobCoherency))
	ok, err = a.Active(ctx, JobSecuring)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLease_GeneratedNode(t *testing.T) {
	c := testutil.NewManualClock()
	l := NewLease(testutil.OpenStore(t, c), "", time.Minute)
	_, err := uuid.Parse(l.Node())
	assert.NoError(t, err)
}
