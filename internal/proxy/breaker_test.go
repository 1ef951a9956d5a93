package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerStartsClosedAndAllows(t *testing.T) {
	cb := newCircuitBreaker(0, 0)
	assert.True(t, cb.allow(), "a fresh breaker should allow requests")
}

func TestCircuitBreakerTripsOpenAfterThreshold(t *testing.T) {
	cb := newCircuitBreaker(0, 0)
	for i := 0; i < defaultThreshold; i++ {
		cb.recordFailure()
	}
	assert.False(t, cb.allow(), "breaker should deny requests once tripped open")
}

func TestCircuitBreakerStaysClosedBelowThreshold(t *testing.T) {
	cb := newCircuitBreaker(0, 0)
	for i := 0; i < defaultThreshold-1; i++ {
		cb.recordFailure()
	}
	assert.True(t, cb.allow(), "breaker should still allow requests below the failure threshold")
}

func TestCircuitBreakerRecordSuccessResets(t *testing.T) {
	cb := newCircuitBreaker(0, 0)
	for i := 0; i < defaultThreshold; i++ {
		cb.recordFailure()
	}
	cb.recordSuccess()
	assert.True(t, cb.allow(), "breaker should allow requests again after a recorded success")
	assert.Zero(t, cb.failures, "failures should reset after recordSuccess")
}

func TestCircuitBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	cb := newCircuitBreaker(0, 0)
	for i := 0; i < defaultThreshold; i++ {
		cb.recordFailure()
	}
	cb.state = cbHalfOpen
	cb.recordFailure()
	assert.Equal(t, cbOpen, cb.state, "a failed half-open probe should reopen the breaker")
}
