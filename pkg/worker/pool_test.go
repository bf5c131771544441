package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesWork(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(4, 16, func(_ context.Context, _ int) error {
		processed.Add(1)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(i))
	}

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(10), processed.Load())

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestPoolCountsFailures(t *testing.T) {
	pool := NewPool(1, 4, func(_ context.Context, n int) error {
		if n%2 == 0 {
			return assert.AnError
		}
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(4), stats.Processed)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ int) error { return nil })
	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
	assert.ErrorIs(t, pool.SubmitWait(context.Background(), 1), ErrPoolNotStarted)
}

func TestSubmitQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))

	// One item occupies the worker, one fills the queue.
	require.NoError(t, pool.Submit(1))
	// The worker may not have picked up the first item yet, so fill until full.
	var err error
	for i := 0; i < 3; i++ {
		err = pool.Submit(i)
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
	require.NoError(t, pool.Stop(time.Second))
}

func TestSubmitWaitBlocksUntilRoom(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))

	require.NoError(t, pool.SubmitWait(ctx, 1))
	require.NoError(t, pool.SubmitWait(ctx, 2))

	// Queue is now full; the next SubmitWait blocks until a slot frees.
	var wg sync.WaitGroup
	wg.Add(1)
	submitted := make(chan struct{})
	go func() {
		defer wg.Done()
		assert.NoError(t, pool.SubmitWait(ctx, 3))
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("SubmitWait returned before queue had room")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	require.NoError(t, pool.Stop(time.Second))
}

func TestSubmitWaitContextCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.SubmitWait(context.Background(), 1))
	require.NoError(t, pool.SubmitWait(context.Background(), 2))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := pool.SubmitWait(ctx, 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestDoubleStart(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
}

func TestStopIdempotent(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
}

func TestNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](1, 1, nil)
	})
}

func TestStopUnblocksPendingSubmitWait(t *testing.T) {
	gate := make(chan struct{})
	var processed atomic.Int64
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-gate
		processed.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool {
		return pool.Stats().QueueDepth == 0
	}, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(2))

	// Blocked on the full queue.
	submitErr := make(chan error, 1)
	go func() {
		submitErr <- pool.SubmitWait(context.Background(), 3)
	}()

	stopErr := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		stopErr <- pool.Stop(5 * time.Second)
	}()

	// Stop must release the blocked submit without a send panic.
	select {
	case err := <-submitErr:
		assert.ErrorIs(t, err, ErrPoolStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitWait still blocked after Stop")
	}

	close(gate)
	select {
	case err := <-stopErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// The queued item was drained before shutdown.
	assert.GreaterOrEqual(t, processed.Load(), int64(2))
}

func TestStopDrainsQueuedWork(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(1, 8, func(_ context.Context, _ int) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(5), processed.Load())
}
