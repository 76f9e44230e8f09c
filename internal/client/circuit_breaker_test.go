package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	// 3 failures, 100ms timeout, on a fake clock
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	clock := time.Unix(0, 0)
	cb.now = func() time.Time { return clock }

	// Initial State: Closed
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow(), "should allow requests in Closed state")

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "should remain Closed after 2 failures")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow(), "should not allow requests in Open state")

	// Wait for timeout (Half-Open)
	clock = clock.Add(150 * time.Millisecond)
	assert.True(t, cb.Allow(), "should allow a probe after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe while half-open")

	// Probe fails -> Open again
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	clock = clock.Add(150 * time.Millisecond)
	cb.Allow()

	// Probe succeeds -> Closed
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.failures, "failures should be reset")
	assert.Equal(t, "closed", cb.State().String())
}
