package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costlens/pipeline-service/internal/retry"
	"github.com/costlens/pipeline-service/internal/testutil"
)

func TestStore(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()

	clock := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(pool, retry.DefaultPolicy(), nil)
	store.now = func() time.Time { return clock }

	newPending := func(t *testing.T) string {
		t.Helper()
		runID, err := store.Create(ctx, CreateInput{TenantID: "t1", ConfigID: "cfg-1", ScheduledTime: clock})
		require.NoError(t, err)
		ok, err := store.Transition(ctx, runID, StateScheduled, StatePending)
		require.NoError(t, err)
		require.True(t, ok)
		return runID
	}

	t.Run("happy path", func(t *testing.T) {
		runID, err := store.Create(ctx, CreateInput{TenantID: "t1", ConfigID: "cfg-1", ScheduledTime: clock})
		require.NoError(t, err)

		run, err := store.Get(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, StateScheduled, run.State)
		assert.Equal(t, 0, run.AttemptCount)

		ok, err := store.Transition(ctx, runID, StateScheduled, StatePending)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.MarkRunning(ctx, runID, "exec-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.MarkCompleted(ctx, runID, 42*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		run, err = store.Get(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, run.State)
		assert.Equal(t, 1, run.AttemptCount)
		require.NotNil(t, run.PipelineLoggingID)
		assert.Equal(t, "exec-1", *run.PipelineLoggingID)
		require.NotNil(t, run.DurationSeconds)
		assert.InDelta(t, 42.0, *run.DurationSeconds, 0.001)
	})

	t.Run("conditional transition", func(t *testing.T) {
		runID := newPending(t)

		ok, err := store.Transition(ctx, runID, StateScheduled, StatePending)
		require.NoError(t, err)
		assert.False(t, ok, "run is no longer SCHEDULED")

		_, err = store.Transition(ctx, runID, StateCompleted, StatePending)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		// completing a run that never started does nothing
		ok, err = store.MarkCompleted(ctx, runID, time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("transient failure is retried with backoff", func(t *testing.T) {
		runID := newPending(t)
		_, err := store.MarkRunning(ctx, runID, "exec-1")
		require.NoError(t, err)

		res, err := store.MarkFailed(ctx, runID, retry.Transient(errors.New("warehouse unavailable")), true)
		require.NoError(t, err)
		assert.True(t, res.Failed)
		assert.True(t, res.Retried)
		assert.Equal(t, clock.Add(time.Minute), res.NextRetry.UTC())

		run, err := store.Get(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, StatePending, run.State)
		require.NotNil(t, run.ErrorClass)
		assert.Equal(t, "transient", *run.ErrorClass)

		due, err := store.ListDueRetries(ctx, clock.Add(30*time.Second), 10)
		require.NoError(t, err)
		assert.NotContains(t, runIDs(due), runID)

		due, err = store.ListDueRetries(ctx, clock.Add(2*time.Minute), 10)
		require.NoError(t, err)
		assert.Contains(t, runIDs(due), runID)

		marked, err := store.MarkRetryDispatched(ctx, runID, 2)
		require.NoError(t, err)
		assert.False(t, marked, "stale attempt number")
		marked, err = store.MarkRetryDispatched(ctx, runID, 1)
		require.NoError(t, err)
		assert.True(t, marked)

		due, err = store.ListDueRetries(ctx, clock.Add(2*time.Minute), 10)
		require.NoError(t, err)
		assert.NotContains(t, runIDs(due), runID, "dispatched attempt is not listed again")

		// second attempt fails again: delay doubles
		_, err = store.MarkRunning(ctx, runID, "exec-2")
		require.NoError(t, err)
		res, err = store.MarkFailed(ctx, runID, retry.Timeout(errors.New("deadline")), true)
		require.NoError(t, err)
		assert.True(t, res.Retried)
		assert.Equal(t, clock.Add(2*time.Minute), res.NextRetry.UTC())

		due, err = store.ListDueRetries(ctx, clock.Add(5*time.Minute), 10)
		require.NoError(t, err)
		assert.Contains(t, runIDs(due), runID, "next attempt is due again")
	})

	t.Run("validation failure is terminal", func(t *testing.T) {
		runID := newPending(t)
		_, err := store.MarkRunning(ctx, runID, "exec-1")
		require.NoError(t, err)

		res, err := store.MarkFailed(ctx, runID, retry.Validationf("malformed config"), true)
		require.NoError(t, err)
		assert.True(t, res.Failed)
		assert.False(t, res.Retried)

		should, err := store.ShouldRetry(ctx, runID)
		require.NoError(t, err)
		assert.False(t, should)

		run, err := store.Get(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, run.State)
		require.NotNil(t, run.ErrorMessage)
		assert.Equal(t, "malformed config", *run.ErrorMessage)
	})

	t.Run("retries stop at max attempts", func(t *testing.T) {
		runID := newPending(t)
		for attempt := 1; attempt <= 3; attempt++ {
			_, err := store.MarkRunning(ctx, runID, "exec")
			require.NoError(t, err)
			res, err := store.MarkFailed(ctx, runID, retry.Transient(errors.New("flaky")), true)
			require.NoError(t, err)
			assert.Equal(t, attempt < 3, res.Retried, "attempt %d", attempt)
		}

		run, err := store.Get(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, run.State)
		assert.Equal(t, 3, run.AttemptCount)
	})

	t.Run("mark failed on terminal run is a no-op", func(t *testing.T) {
		runID := newPending(t)
		_, err := store.MarkFailed(ctx, runID, errors.New("first"), false)
		require.NoError(t, err)

		res, err := store.MarkFailed(ctx, runID, errors.New("second"), false)
		require.NoError(t, err)
		assert.False(t, res.Failed)

		run, err := store.Get(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, "first", *run.ErrorMessage)
		assert.Equal(t, "unknown", *run.ErrorClass)
	})

	t.Run("stale runs and live counts", func(t *testing.T) {
		testutil.Truncate(t, pool, "pipeline_runs")

		stale := newPending(t)
		_, err := store.MarkRunning(ctx, stale, "exec-stale")
		require.NoError(t, err)

		store.now = func() time.Time { return clock.Add(2 * time.Hour) }
		fresh := newPending(t)
		_, err = store.MarkRunning(ctx, fresh, "exec-fresh")
		require.NoError(t, err)
		store.now = func() time.Time { return clock }

		cutoff := clock.Add(time.Hour)
		counts, err := store.LiveCounts(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, 1, counts["t1"])

		n, err := store.FailStale(ctx, cutoff, "execution timed out")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = store.FailStale(ctx, cutoff, "execution timed out")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		run, err := store.Get(ctx, stale)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, run.State)
		assert.Equal(t, "timeout", *run.ErrorClass)

		list, err := store.ListByTenant(ctx, "t1", StateRunning, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{fresh}, runIDs(list))
	})

	t.Run("not found", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func runIDs(list []Run) []string {
	ids := make([]string, 0, len(list))
	for _, r := range list {
		ids = append(ids, r.RunID)
	}
	return ids
}
