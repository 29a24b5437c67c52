package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ProcessesSubmittedWork(t *testing.T) {
	var sum atomic.Int64
	p := NewPool(2, 16, func(_ context.Context, v int) error {
		sum.Add(int64(v))
		return nil
	})

	require.NoError(t, p.Start(context.Background()))
	for i := 1; i <= 10; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, int64(55), sum.Load())
	stats := p.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	p := NewPool(1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, p.Submit(1), ErrPoolNotStarted)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(time.Second))

	assert.ErrorIs(t, p.Submit(1), ErrPoolStopped)
}

func TestPool_DropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(1, 1, func(_ context.Context, v int) error {
		<-block
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	// First item occupies the worker, second fills the queue.
	require.NoError(t, p.Submit(1))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Submit(2))

	err := p.Submit(3)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Dropped)

	close(block)
	require.NoError(t, p.Stop(time.Second))
}

func TestPool_CountsFailures(t *testing.T) {
	p := NewPool(1, 8, func(_ context.Context, v int) error {
		if v%2 == 0 {
			return errors.New("even numbers fail")
		}
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.NoError(t, p.Stop(time.Second))

	stats := p.Stats()
	assert.Equal(t, int64(6), stats.Processed)
	assert.Equal(t, int64(3), stats.Failed)
}

func TestPool_DoubleStart(t *testing.T) {
	p := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, p.Stop(time.Second))
}
