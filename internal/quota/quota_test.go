package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndThrottle_WithinBudgetNeverViolates(t *testing.T) {
	m := New(1000, 1000, time.Minute)
	defer m.Stop()

	result := m.RecordAndThrottle("client-a", 100)
	assert.False(t, result.Violated)
	assert.Zero(t, result.Delay)
}

func TestRecordAndThrottle_FirstViolationIsInformationalOnly(t *testing.T) {
	m := New(10, 10, time.Minute)
	defer m.Stop()

	result := m.RecordAndThrottle("client-a", 1000)
	require.True(t, result.Violated)
	assert.True(t, result.FirstViolation)
	assert.Zero(t, result.Delay, "first violation must not carry a sleep delay")
}

func TestRecordAndThrottle_SecondViolationSleeps(t *testing.T) {
	m := New(10, 10, time.Minute)
	defer m.Stop()

	_ = m.RecordAndThrottle("client-a", 10) // drains the initial burst of 10 tokens

	first := m.RecordAndThrottle("client-a", 10)
	require.True(t, first.Violated)
	require.True(t, first.FirstViolation)

	second := m.RecordAndThrottle("client-a", 10)
	require.True(t, second.Violated)
	assert.False(t, second.FirstViolation)
	assert.Positive(t, second.Delay, "a second violation must carry a sleep delay")
}

func TestRecordAndThrottle_IndependentPerClientID(t *testing.T) {
	m := New(10, 10, time.Minute)
	defer m.Stop()

	_ = m.RecordAndThrottle("client-a", 10)
	first := m.RecordAndThrottle("client-a", 10)
	require.True(t, first.Violated)

	other := m.RecordAndThrottle("client-b", 1)
	assert.False(t, other.Violated, "a fresh client id must not inherit another client's violation streak")
}

func TestReapIdle_RemovesStaleEntries(t *testing.T) {
	m := New(1000, 1000, 10*time.Millisecond)
	defer m.Stop()

	m.RecordAndThrottle("client-a", 1)
	_, ok := m.budgets.Load("client-a")
	require.True(t, ok)

	original := now
	defer func() { now = original }()
	now = func() time.Time { return original().Add(time.Hour) }

	m.reapIdle()
	_, ok = m.budgets.Load("client-a")
	assert.False(t, ok, "idle entries past ttl should be reaped")
}
