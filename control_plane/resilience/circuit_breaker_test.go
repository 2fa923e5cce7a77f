package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerOpensOnQueueDepth(t *testing.T) {
	cb := NewCircuitBreaker("test-queue", 10)

	assert.True(t, cb.ShouldAdmit(5))
	assert.False(t, cb.ShouldAdmit(11))
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.False(t, cb.ShouldAdmit(0), "open circuit rejects until cooldown")
}

func TestCircuitBreakerOpensOnFailuresAndRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("test-export", 0).WithCooldown(time.Second)
	cb.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		assert.True(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.GetState())
	for i := 0; i < 5; i++ {
		assert.True(t, cb.Allow())
		cb.RecordSuccess()
	}
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("test-reopen", 0).WithCooldown(time.Second)
	cb.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
}
