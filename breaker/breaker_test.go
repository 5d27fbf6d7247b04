package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, CooldownPeriod: 50 * time.Millisecond})

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, Closed, b.CurrentState())

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.CurrentState())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New(Config{FailureThreshold: 1, CooldownPeriod: 10 * time.Millisecond})

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.CurrentState())
	assert.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.CurrentState())
	assert.False(t, b.Allow(), "only one probe allowed while half-open")

	b.RecordSuccess()
	assert.Equal(t, Closed, b.CurrentState())
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, CooldownPeriod: 10 * time.Millisecond})

	b.Allow()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, Open, b.CurrentState())
	assert.False(t, b.Allow())
}

func TestRegistrySharesStatePerKey(t *testing.T) {
	reg := NewRegistry(DefaultConfig())

	a1 := reg.Get("https://agent-a.example.com")
	a2 := reg.Get("https://agent-a.example.com")
	b1 := reg.Get("https://agent-b.example.com")

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b1)

	snap := reg.Snapshot()
	assert.Len(t, snap, 2)
}
