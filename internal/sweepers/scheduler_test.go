package sweepers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costlens/pipeline-service/internal/lock"
	"github.com/costlens/pipeline-service/internal/quota"
	"github.com/costlens/pipeline-service/internal/taskqueue"
)

func newLockManager(t *testing.T) *lock.Manager {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return lock.NewManager(lock.NewRedisStore(client), lock.DefaultManagerConfig(), nil, nil)
}

func TestRunNowHoldsGuard(t *testing.T) {
	locks := newLockManager(t)
	s := New(locks, "proc-1", nil, nil)
	ctx := context.Background()

	var sawLock atomic.Bool
	require.NoError(t, s.Register(Job{
		Name: "nightly-rollup",
		Spec: "@every 1h",
		Run: func(ctx context.Context, _ time.Time) error {
			current, err := locks.Status(ctx, SystemTenant, "nightly-rollup")
			if err == nil && current != nil && current.LockedBy == "proc-1" {
				sawLock.Store(true)
			}
			return nil
		},
	}))

	ran, err := s.RunNow(ctx, "nightly-rollup")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, sawLock.Load(), "job runs under its guard lock")

	current, err := locks.Status(ctx, SystemTenant, "nightly-rollup")
	require.NoError(t, err)
	assert.Nil(t, current, "guard released after the job")
}

func TestRunNowSkipsWhenGuardHeld(t *testing.T) {
	locks := newLockManager(t)
	ctx := context.Background()

	res, err := locks.Acquire(ctx, SystemTenant, "nightly-rollup", "other-exec", "proc-2")
	require.NoError(t, err)
	require.True(t, res.Granted)

	s := New(locks, "proc-1", nil, nil)
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{
		Name: "nightly-rollup",
		Spec: "@every 1h",
		Run: func(context.Context, time.Time) error {
			runs.Add(1)
			return nil
		},
	}))

	ran, err := s.RunNow(ctx, "nightly-rollup")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, runs.Load())
}

func TestRunNowPropagatesJobError(t *testing.T) {
	locks := newLockManager(t)
	s := New(locks, "proc-1", nil, nil)
	boom := errors.New("boom")
	require.NoError(t, s.Register(Job{
		Name: "nightly-rollup",
		Spec: "@every 1h",
		Run:  func(context.Context, time.Time) error { return boom },
	}))

	ran, err := s.RunNow(context.Background(), "nightly-rollup")
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	// guard released even on failure
	current, err := locks.Status(context.Background(), SystemTenant, "nightly-rollup")
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestRegisterValidation(t *testing.T) {
	s := New(newLockManager(t), "proc-1", nil, nil)
	noop := func(context.Context, time.Time) error { return nil }

	assert.Error(t, s.Register(Job{Name: "", Spec: "@every 1m", Run: noop}))
	assert.Error(t, s.Register(Job{Name: "bad", Spec: "not a cron", Run: noop}))
	require.NoError(t, s.Register(Job{Name: "ok", Spec: "0 */15 * * * *", Run: noop}))
	assert.Error(t, s.Register(Job{Name: "ok", Spec: "0 */15 * * * *", Run: noop}), "duplicate name")

	_, err := s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestSchedulerFiresJobs(t *testing.T) {
	s := New(newLockManager(t), "proc-1", nil, nil)
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{
		Name: "tick",
		Spec: "* * * * * *",
		Run: func(context.Context, time.Time) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

type fakeQuotaJobs struct {
	daily, monthly, stale atomic.Int32
}

func (f *fakeQuotaJobs) DailyReset(context.Context, time.Time) (quota.ResetResult, error) {
	f.daily.Add(1)
	return quota.ResetResult{}, nil
}

func (f *fakeQuotaJobs) MonthlyReset(context.Context, time.Time) (quota.ResetResult, error) {
	f.monthly.Add(1)
	return quota.ResetResult{Skipped: true}, nil
}

func (f *fakeQuotaJobs) StaleRecovery(context.Context, time.Time) (quota.RecoveryResult, error) {
	f.stale.Add(1)
	return quota.RecoveryResult{}, nil
}

type fakeDispatcher struct{ calls atomic.Int32 }

func (f *fakeDispatcher) DispatchRetries(context.Context, time.Time) (int, error) {
	f.calls.Add(1)
	return 2, nil
}

type fakeQueue struct {
	cutoff time.Time
}

func (f *fakeQueue) Status(context.Context) (taskqueue.Status, error) {
	return taskqueue.Status{Queued: 4, Processing: 1}, nil
}

func (f *fakeQueue) Cleanup(_ context.Context, cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return 3, nil
}

func TestStandardJobs(t *testing.T) {
	quotaJobs := &fakeQuotaJobs{}
	dispatcher := &fakeDispatcher{}
	queue := &fakeQueue{}

	jobs := StandardJobs(Schedule{
		DailyReset:     "0 5 0 * * *",
		MonthlyReset:   "0 10 0 1 * *",
		StaleRecovery:  "0 */15 * * * *",
		RetryDispatch:  "30 * * * * *",
		QueueCleanup:   "0 30 3 * * *",
		QueueRetention: 24 * time.Hour,
	}, quotaJobs, dispatcher, queue, nil, nil)

	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{JobDailyReset, JobMonthlyReset, JobStaleRecovery, JobRetryDispatch, JobQueueCleanup}, names,
		"jobs without a schedule are left out")

	s := New(newLockManager(t), "proc-1", nil, nil)
	for _, j := range jobs {
		require.NoError(t, s.Register(j))
	}

	now := time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()
	for _, name := range names {
		ran, err := s.RunNow(ctx, name)
		require.NoError(t, err, name)
		assert.True(t, ran, name)
	}

	assert.Equal(t, int32(1), quotaJobs.daily.Load())
	assert.Equal(t, int32(1), quotaJobs.monthly.Load())
	assert.Equal(t, int32(1), quotaJobs.stale.Load())
	assert.Equal(t, int32(1), dispatcher.calls.Load())
	assert.Equal(t, now.Add(-24*time.Hour), queue.cutoff)
}
