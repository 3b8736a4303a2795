package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costlens/pipeline-service/internal/orchestrator"
	"github.com/costlens/pipeline-service/internal/taskqueue"
)

type fakeQueue struct {
	mu    sync.Mutex
	items []*taskqueue.Item
	polls atomic.Int32
	err   error
}

func (q *fakeQueue) Dequeue(_ context.Context, workerID string) (*taskqueue.Item, error) {
	q.polls.Add(1)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	item.WorkerID = &workerID
	return item, nil
}

type fakeProcessor struct {
	mu      sync.Mutex
	seen    []string
	delay   time.Duration
	hitCtx  atomic.Bool
	started chan struct{}
}

func (p *fakeProcessor) Process(ctx context.Context, _ string, item *taskqueue.Item) orchestrator.Outcome {
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			p.hitCtx.Store(true)
		}
	}
	p.mu.Lock()
	p.seen = append(p.seen, item.QueueID)
	p.mu.Unlock()
	return orchestrator.OutcomeCompleted
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func testItems(n int) []*taskqueue.Item {
	items := make([]*taskqueue.Item, n)
	for i := range items {
		items[i] = &taskqueue.Item{
			QueueID:  string(rune('a' + i)),
			TenantID: "t1",
			Priority: taskqueue.DefaultPriority,
		}
	}
	return items
}

func runPool(t *testing.T, pool *Pool) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestPoolProcessesEveryItemOnce(t *testing.T) {
	queue := &fakeQueue{items: testItems(10)}
	proc := &fakeProcessor{}
	pool := New(queue, proc, Config{
		WorkerID:        "w",
		Concurrency:     3,
		PollInterval:    5 * time.Millisecond,
		MaxPollInterval: 20 * time.Millisecond,
	}, nil, nil)

	cancel, done := runPool(t, pool)

	require.Eventually(t, func() bool { return proc.count() == 10 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, proc.seen)
}

func TestPoolWaitsForInFlightOnShutdown(t *testing.T) {
	queue := &fakeQueue{items: testItems(1)}
	proc := &fakeProcessor{delay: 100 * time.Millisecond, started: make(chan struct{}, 1)}
	pool := New(queue, proc, Config{
		WorkerID:        "w",
		Concurrency:     1,
		PollInterval:    5 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}, nil, nil)

	cancel, done := runPool(t, pool)

	<-proc.started
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, proc.count())
	assert.False(t, proc.hitCtx.Load(), "in-flight item finished without cancellation")
}

func TestPoolCancelsInFlightAfterShutdownTimeout(t *testing.T) {
	queue := &fakeQueue{items: testItems(1)}
	proc := &fakeProcessor{delay: time.Minute, started: make(chan struct{}, 1)}
	pool := New(queue, proc, Config{
		WorkerID:        "w",
		Concurrency:     1,
		PollInterval:    5 * time.Millisecond,
		ShutdownTimeout: 20 * time.Millisecond,
	}, nil, nil)

	cancel, done := runPool(t, pool)

	<-proc.started
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.True(t, proc.hitCtx.Load())
}

func TestPoolBacksOffWhenIdle(t *testing.T) {
	queue := &fakeQueue{}
	pool := New(queue, &fakeProcessor{}, Config{
		WorkerID:        "w",
		Concurrency:     1,
		PollInterval:    10 * time.Millisecond,
		MaxPollInterval: 80 * time.Millisecond,
	}, nil, nil)

	cancel, done := runPool(t, pool)
	time.Sleep(300 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// fixed 10ms polling would be ~30 polls; backing off to 80ms is far fewer
	assert.Less(t, int(queue.polls.Load()), 15)
}

func TestPoolSurvivesDequeueErrors(t *testing.T) {
	queue := &fakeQueue{err: errors.New("connection refused")}
	pool := New(queue, &fakeProcessor{}, Config{
		WorkerID:        "w",
		PollInterval:    5 * time.Millisecond,
		MaxPollInterval: 10 * time.Millisecond,
	}, nil, nil)

	cancel, done := runPool(t, pool)
	require.Eventually(t, func() bool { return queue.polls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNextWait(t *testing.T) {
	pool := New(&fakeQueue{}, &fakeProcessor{}, Config{PollInterval: time.Second, MaxPollInterval: 5 * time.Second}, nil, nil)
	assert.Equal(t, 2*time.Second, pool.nextWait(time.Second))
	assert.Equal(t, 4*time.Second, pool.nextWait(2*time.Second))
	assert.Equal(t, 5*time.Second, pool.nextWait(4*time.Second))
	assert.Equal(t, 5*time.Second, pool.nextWait(5*time.Second))
}
