// Package admission implements the shard-wide admission controller (§4.3):
// a single weighted capacity bounding the total estimated memory of
// in-flight requests, so one shard can never be pushed into unbounded
// buffering by a burst of large or concurrent requests.
package admission

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Controller bounds total in-flight request memory to capacity bytes,
// generalized from the teacher's GoroutineLimiter (resource_guard.go),
// which is the capacity-1 special case of the same idea: block admission
// once a budget is exhausted, release it when the unit of work completes.
type Controller struct {
	sem      *semaphore.Weighted
	capacity int64
	waiters  int64 // atomic; semaphore.Weighted doesn't expose this itself
	inUse    int64 // atomic; best-effort observability, not authoritative
}

// New creates a Controller with the given capacity, in bytes of estimated
// in-flight request memory.
func New(capacity int64) *Controller {
	return &Controller{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
	}
}

// Acquire blocks until n bytes of capacity are available or ctx is
// cancelled. Cancellation (including server shutdown) is the required
// wakeup path for every blocked waiter, per §4.3 — semaphore.Weighted's
// Acquire already returns ctx.Err() to every waiter still queued when ctx
// is cancelled, so no extra plumbing is needed here.
func (c *Controller) Acquire(ctx context.Context, n int64) error {
	atomic.AddInt64(&c.waiters, 1)
	defer atomic.AddInt64(&c.waiters, -1)

	if err := c.sem.Acquire(ctx, n); err != nil {
		return err
	}
	atomic.AddInt64(&c.inUse, n)
	return nil
}

// TryAcquire attempts a non-blocking admission of n bytes, returning false
// immediately if capacity is unavailable rather than queueing the caller.
func (c *Controller) TryAcquire(n int64) bool {
	if c.sem.TryAcquire(n) {
		atomic.AddInt64(&c.inUse, n)
		return true
	}
	return false
}

// Release returns n bytes of capacity. The Kafka Server calls it once a
// request's dispatch has returned; the time that request's response then
// waits for and spends in its connection write is not covered by the
// reservation.
func (c *Controller) Release(n int64) {
	atomic.AddInt64(&c.inUse, -n)
	c.sem.Release(n)
}

// Capacity returns the controller's total configured capacity.
func (c *Controller) Capacity() int64 { return c.capacity }

// Waiters returns the current number of goroutines blocked in Acquire, for
// metrics and backpressure signaling.
func (c *Controller) Waiters() int64 { return atomic.LoadInt64(&c.waiters) }

// InUse returns a best-effort snapshot of bytes currently admitted and not
// yet released. It is not synchronized with Acquire/Release and should be
// treated as an observability signal, not a correctness primitive.
func (c *Controller) InUse() int64 { return atomic.LoadInt64(&c.inUse) }
