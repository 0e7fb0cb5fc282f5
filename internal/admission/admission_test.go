package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease_WithinCapacity(t *testing.T) {
	c := New(1000)

	require.NoError(t, c.Acquire(context.Background(), 400))
	assert.Equal(t, int64(400), c.InUse())

	c.Release(400)
	assert.Equal(t, int64(0), c.InUse())
}

func TestAcquire_BlocksPastCapacity(t *testing.T) {
	c := New(100)
	require.NoError(t, c.Acquire(context.Background(), 100))

	blocked := make(chan struct{})
	go func() {
		_ = c.Acquire(context.Background(), 1)
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("acquire should have blocked: capacity exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release(100)

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("acquire should have unblocked after release")
	}
}

func TestAcquire_CancelledContextWakesWaiter(t *testing.T) {
	c := New(10)
	require.NoError(t, c.Acquire(context.Background(), 10))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Acquire(ctx, 1)
	}()

	// Give the waiter time to register before cancelling.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), c.Waiters())

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation should have woken the blocked waiter")
	}
}

func TestTryAcquire_FailsWithoutBlocking(t *testing.T) {
	c := New(50)
	require.NoError(t, c.Acquire(context.Background(), 50))

	assert.False(t, c.TryAcquire(1))
	c.Release(50)
	assert.True(t, c.TryAcquire(1))
}

func TestWaiters_ConcurrentAcquireContention(t *testing.T) {
	c := New(1)
	require.NoError(t, c.Acquire(context.Background(), 1))

	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = c.Acquire(context.Background(), 1)
			c.Release(1)
		}()
	}

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(n), c.Waiters())

	c.Release(1)
	wg.Wait()
	assert.Equal(t, int64(0), c.Waiters())
}
