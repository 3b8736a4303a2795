package runs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/costlens/pipeline-service/internal/retry"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{StateScheduled, StatePending},
		{StateScheduled, StateFailed},
		{StatePending, StateRunning},
		{StatePending, StateFailed},
		{StateRunning, StateCompleted},
		{StateRunning, StateFailed},
		{StateFailed, StatePending},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	forbidden := [][2]State{
		{StateCompleted, StatePending},
		{StateCompleted, StateFailed},
		{StateRunning, StatePending},
		{StateScheduled, StateRunning},
		{StateFailed, StateRunning},
		{StatePending, StateScheduled},
	}
	for _, edge := range forbidden {
		assert.False(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestShouldRetryDecision(t *testing.T) {
	policy := retry.DefaultPolicy()
	timeout := string(retry.ClassTimeout)
	validation := string(retry.ClassValidation)

	run := &Run{State: StateFailed, AttemptCount: 1, ErrorClass: &timeout}
	assert.True(t, ShouldRetry(run, policy))

	run.AttemptCount = 3
	assert.False(t, ShouldRetry(run, policy), "max retries reached")

	run = &Run{State: StateFailed, AttemptCount: 0, ErrorClass: &validation}
	assert.False(t, ShouldRetry(run, policy), "validation is never retried")

	run = &Run{State: StateRunning, AttemptCount: 1, ErrorClass: &timeout}
	assert.False(t, ShouldRetry(run, policy), "only failed runs are retried")

	run = &Run{State: StateFailed, AttemptCount: 1}
	assert.True(t, ShouldRetry(run, policy), "missing class counts as unknown")
}
