package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New("test", 3)
	var running, peak atomic.Int32

	g := p.Group(context.Background())
	for i := 0; i < 20; i++ {
		g.Go(func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestFuture_Wait(t *testing.T) {
	p := New("test", 1)
	boom := errors.New("boom")
	f := p.Submit(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, f.Wait(context.Background()), boom)

	f = p.Submit(context.Background(), func(context.Context) error { return nil })
	assert.NoError(t, f.Wait(context.Background()))
}

func TestFuture_Panic(t *testing.T) {
	p := New("test", 1)
	f := p.Submit(context.Background(), func(context.Context) error { panic("kaboom") })
	err := f.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestSubmit_CancelledWhileFull(t *testing.T) {
	p := New("test", 1)
	release := make(chan struct{})
	blocker := p.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Bool
	f := p.Submit(ctx, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.ErrorIs(t, f.Wait(context.Background()), context.Canceled)

	close(release)
	require.NoError(t, blocker.Wait(context.Background()))
	assert.False(t, ran.Load())
}

func TestGroup_FirstErrorCancelsOthers(t *testing.T) {
	p := New("test", 4)
	boom := errors.New("boom")
	g := p.Group(context.Background())

	g.Go(func(context.Context) error { return boom })
	g.Go(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("not cancelled")
		}
	})

	assert.ErrorIs(t, g.Wait(), boom)
	assert.Error(t, g.Context().Err())
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "storage", NewStorage(0).Name())
	assert.GreaterOrEqual(t, NewStorage(0).Size(), 2)
	assert.Equal(t, 5, NewDefault(5).Size())
	assert.Equal(t, 1, New("x", 0).Size())
}
