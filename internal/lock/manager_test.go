package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costlens/pipeline-service/internal/retry"
	"github.com/costlens/pipeline-service/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(ttl time.Duration, failOpen bool) ManagerConfig {
	return ManagerConfig{
		TTL:      ttl,
		FailOpen: failOpen,
		Backoff:  retry.Backoff{Attempts: 2, Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func newTestManager(store Store, config ManagerConfig) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	m := NewManager(store, config, nil, nil)
	m.now = clock.Now
	return m, clock
}

func startMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return s, NewRedisStore(client)
}

// runStoreContract checks the lock semantics every Store must provide
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("mutual exclusion", func(t *testing.T) {
		m, _ := newTestManager(newStore(t), testConfig(time.Hour, true))

		first, err := m.Acquire(ctx, "t1", "p1", "exec-a", "worker-1")
		require.NoError(t, err)
		assert.True(t, first.Granted)

		second, err := m.Acquire(ctx, "t1", "p1", "exec-b", "worker-2")
		require.NoError(t, err)
		assert.False(t, second.Granted)
		assert.Equal(t, "exec-a", second.ExistingExecutionID)

		// a different pipeline is an independent key
		other, err := m.Acquire(ctx, "t1", "p2", "exec-c", "worker-2")
		require.NoError(t, err)
		assert.True(t, other.Granted)
	})

	t.Run("expiry replacement", func(t *testing.T) {
		m, clock := newTestManager(newStore(t), testConfig(time.Second, true))

		res, err := m.Acquire(ctx, "t1", "p1", "exec-a", "worker-1")
		require.NoError(t, err)
		require.True(t, res.Granted)

		clock.Advance(1100 * time.Millisecond)

		res, err = m.Acquire(ctx, "t1", "p1", "exec-b", "worker-2")
		require.NoError(t, err)
		assert.True(t, res.Granted)

		current, err := m.Status(ctx, "t1", "p1")
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, "exec-b", current.ExecutionID)
		assert.Equal(t, "worker-2", current.LockedBy)
	})

	t.Run("release ownership", func(t *testing.T) {
		m, _ := newTestManager(newStore(t), testConfig(time.Hour, true))

		_, err := m.Acquire(ctx, "t1", "p1", "exec-a", "worker-1")
		require.NoError(t, err)

		released, err := m.Release(ctx, "t1", "p1", "exec-b")
		require.NoError(t, err)
		assert.False(t, released)

		current, err := m.Status(ctx, "t1", "p1")
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, "exec-a", current.ExecutionID)

		released, err = m.Release(ctx, "t1", "p1", "exec-a")
		require.NoError(t, err)
		assert.True(t, released)

		released, err = m.Release(ctx, "t1", "p1", "exec-a")
		require.NoError(t, err)
		assert.False(t, released, "second release finds no lock")
	})

	t.Run("status deletes expired lock", func(t *testing.T) {
		store := newStore(t)
		m, clock := newTestManager(store, testConfig(time.Second, true))

		_, err := m.Acquire(ctx, "t1", "p1", "exec-a", "worker-1")
		require.NoError(t, err)

		clock.Advance(2 * time.Second)

		current, err := m.Status(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Nil(t, current)

		// the stale holder can no longer release
		released, err := m.Release(ctx, "t1", "p1", "exec-a")
		require.NoError(t, err)
		assert.False(t, released)
	})

	t.Run("concurrent acquire grants one", func(t *testing.T) {
		m, _ := newTestManager(newStore(t), testConfig(time.Hour, true))

		const callers = 20
		var granted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := m.Acquire(ctx, "t1", "race", "exec-"+string(rune('a'+i)), "worker")
				if err == nil && res.Granted && !res.FailedOpen {
					granted.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), granted.Load())
	})
}

func TestRedisStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		_, store := startMiniRedis(t)
		return store
	})
}

func TestPostgresStoreContract(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	runStoreContract(t, func(t *testing.T) Store {
		testutil.Truncate(t, pool, "execution_locks")
		return NewPostgresStore(pool)
	})
}

func TestRedisKeyCarriesTTL(t *testing.T) {
	s, store := startMiniRedis(t)
	m, _ := newTestManager(store, testConfig(time.Minute, true))

	_, err := m.Acquire(context.Background(), "t1", "p1", "exec-a", "worker-1")
	require.NoError(t, err)

	assert.True(t, s.Exists("pipeline_lock:t1:p1"))
	assert.Equal(t, time.Minute, s.TTL("pipeline_lock:t1:p1"))

	s.FastForward(2 * time.Minute)
	assert.False(t, s.Exists("pipeline_lock:t1:p1"))
}

func TestFailOpen(t *testing.T) {
	s, store := startMiniRedis(t)
	m, _ := newTestManager(store, testConfig(time.Hour, true))
	s.Close()

	res, err := m.Acquire(context.Background(), "t1", "p1", "exec-a", "worker-1")
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.True(t, res.FailedOpen)
}

func TestFailClosed(t *testing.T) {
	s, store := startMiniRedis(t)
	m, _ := newTestManager(store, testConfig(time.Hour, false))
	s.Close()

	res, err := m.Acquire(context.Background(), "t1", "p1", "exec-a", "worker-1")
	require.Error(t, err)
	assert.False(t, res.Granted)
	assert.True(t, errors.Is(err, ErrCoordinationUnavailable))
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))
}

func TestAcquireValidatesInput(t *testing.T) {
	_, store := startMiniRedis(t)
	m, _ := newTestManager(store, testConfig(time.Hour, true))

	_, err := m.Acquire(context.Background(), "t1", "", "exec-a", "worker-1")
	assert.Equal(t, retry.ClassValidation, retry.Classify(err))
}
