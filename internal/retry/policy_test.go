package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryTimeGrowsWithAttempt(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := p.CalculateRetryTime(now, 1, 2)
	second := p.CalculateRetryTime(now, 2, 2)
	third := p.CalculateRetryTime(now, 3, 2)

	assert.True(t, first.Before(second))
	assert.True(t, second.Before(third))
	assert.Equal(t, now.Add(time.Minute), first)
	assert.Equal(t, now.Add(4*time.Minute), third)
}

func TestRetryDelayCapped(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, time.Hour, p.RetryDelay(20, 2))
	assert.Equal(t, time.Minute, p.RetryDelay(0, 2))
	// non-positive multiplier falls back to the policy's own
	assert.Equal(t, 2*time.Minute, p.RetryDelay(2, 0))
}

func TestAllows(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.Allows(0, ClassTransient))
	assert.True(t, p.Allows(2, ClassUnknown))
	assert.False(t, p.Allows(3, ClassTransient), "max retries reached")
	assert.False(t, p.Allows(0, ClassValidation))
	assert.False(t, p.Allows(0, ClassResourceExhausted), "not in the default retryable set")
}

func TestNewPolicyNeverRetriesValidation(t *testing.T) {
	p := NewPolicy(5, time.Second, 3, 0, []string{"validation", "timeout"})

	assert.False(t, p.Allows(0, ClassValidation))
	assert.True(t, p.Allows(4, ClassTimeout))
	assert.False(t, p.Allows(0, ClassTransient))
	assert.Equal(t, 9*time.Second, p.RetryDelay(3, 3))
}
