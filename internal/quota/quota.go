// Package quota implements the per-client-id throttling described in §4.4:
// a token-bucket budget per client id where the first violation in a
// window is informational only, and a second violation while still over
// budget causes the caller to be told to sleep before its request is
// dispatched.
package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleResult is returned by RecordAndThrottle for a single request.
type ThrottleResult struct {
	// Violated is true if the request exceeded its client id's budget.
	Violated bool
	// FirstViolation is true the first time a given client id violates its
	// budget since its last clean window; the caller should log/count it
	// but not delay the request.
	FirstViolation bool
	// Delay is how long the caller should sleep before dispatching the
	// request, non-zero only on a second-or-later violation.
	Delay time.Duration
}

type clientBudget struct {
	limiter   *rate.Limiter
	mu        sync.Mutex
	violating bool // true once the first violation in the current streak is recorded
	lastSeen  atomicTime
}

// Manager tracks one token bucket per client id, generalized from the
// teacher's ConnectionRateLimiter (connection_rate_limiter.go), which
// shards the same idea per source IP instead of per client id.
type Manager struct {
	bytesPerSecond float64
	burstBytes     int
	ttl            time.Duration

	budgets sync.Map // clientID string -> *clientBudget

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Manager applying the same bytesPerSecond/burstBytes budget
// to every client id, reaping entries idle longer than ttl.
func New(bytesPerSecond float64, burstBytes int, ttl time.Duration) *Manager {
	m := &Manager{
		bytesPerSecond: bytesPerSecond,
		burstBytes:     burstBytes,
		ttl:            ttl,
		stopCh:         make(chan struct{}),
	}
	return m
}

// RecordAndThrottle records byteCount bytes of traffic for clientID and
// reports whether the caller should be throttled. The first violation
// after a clean period is purely informational (§4.4); a caller that
// violates again while still over budget is told to sleep.
func (m *Manager) RecordAndThrottle(clientID string, byteCount int) ThrottleResult {
	b := m.budgetFor(clientID)
	b.lastSeen.Store(now())

	b.mu.Lock()
	defer b.mu.Unlock()

	reservation := b.limiter.ReserveN(now(), byteCount)
	if !reservation.OK() {
		// Burst exceeds the bucket size entirely; treat as a hard violation
		// with no computable delay rather than blocking forever.
		wasViolating := b.violating
		b.violating = true
		return ThrottleResult{Violated: true, FirstViolation: !wasViolating}
	}

	delay := reservation.DelayFrom(now())
	if delay <= 0 {
		b.violating = false
		return ThrottleResult{}
	}

	wasViolating := b.violating
	b.violating = true
	if !wasViolating {
		return ThrottleResult{Violated: true, FirstViolation: true}
	}
	return ThrottleResult{Violated: true, FirstViolation: false, Delay: delay}
}

func (m *Manager) budgetFor(clientID string) *clientBudget {
	if v, ok := m.budgets.Load(clientID); ok {
		return v.(*clientBudget)
	}
	b := &clientBudget{
		limiter: rate.NewLimiter(rate.Limit(m.bytesPerSecond), m.burstBytes),
	}
	actual, _ := m.budgets.LoadOrStore(clientID, b)
	return actual.(*clientBudget)
}

// StartReaper runs a background sweep every interval, removing client id
// entries idle longer than the manager's configured ttl, matching the
// teacher's cleanupLoop idiom in connection_rate_limiter.go.
func (m *Manager) StartReaper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.reapIdle()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) reapIdle() {
	cutoff := now().Add(-m.ttl)
	m.budgets.Range(func(key, value any) bool {
		b := value.(*clientBudget)
		if b.lastSeen.Load().Before(cutoff) {
			m.budgets.Delete(key)
		}
		return true
	})
}

// Stop halts the reaper goroutine. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// now is a seam so tests can be written without sleeping for real time;
// production code always uses time.Now.
var now = time.Now

// atomicTime is a time.Time guarded by its own mutex, so RecordAndThrottle
// can update lastSeen without holding the owning clientBudget's mutex and
// the reaper can read it concurrently.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
