package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costlens/pipeline-service/internal/lock"
	"github.com/costlens/pipeline-service/internal/runs"
	"github.com/costlens/pipeline-service/internal/taskqueue"
	"github.com/costlens/pipeline-service/internal/tenants"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeQueue struct{}

func (fakeQueue) Status(context.Context) (taskqueue.Status, error) {
	return taskqueue.Status{Queued: 7, Processing: 2, AvgWaitSeconds: 1.5}, nil
}

func (fakeQueue) Get(_ context.Context, queueID string) (*taskqueue.Item, error) {
	if queueID != "q1" {
		return nil, taskqueue.ErrNotFound
	}
	return &taskqueue.Item{QueueID: "q1", TenantID: "t1", Priority: 3, Status: taskqueue.StatusQueued}, nil
}

type fakeLocks struct{ err error }

func (f fakeLocks) Status(_ context.Context, tenantID, pipelineID string) (*lock.Lock, error) {
	if f.err != nil {
		return nil, f.err
	}
	if pipelineID != "p1" {
		return nil, nil
	}
	return &lock.Lock{TenantID: tenantID, PipelineID: pipelineID, ExecutionID: "exec-1", LockedBy: "worker-1"}, nil
}

type fakeRuns struct {
	lastState runs.State
	lastLimit int
}

func (f *fakeRuns) Get(_ context.Context, runID string) (*runs.Run, error) {
	if runID != "r1" {
		return nil, fmt.Errorf("%w: %s", runs.ErrNotFound, runID)
	}
	return &runs.Run{RunID: "r1", TenantID: "t1", State: runs.StateRunning}, nil
}

func (f *fakeRuns) ListByTenant(_ context.Context, _ string, state runs.State, limit int) ([]runs.Run, error) {
	f.lastState, f.lastLimit = state, limit
	return nil, nil
}

type fakeAdmission struct{}

func (fakeAdmission) InFlight(context.Context, string) (int, error) { return 2, nil }

type fakeTiers struct{}

func (fakeTiers) GetTier(_ context.Context, tenantID string) (string, error) {
	if tenantID == "ghost" {
		return "", fmt.Errorf("%w: %s", tenants.ErrUnknownTenant, tenantID)
	}
	return "professional", nil
}

func newTestRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	New(deps, nil).Register(router.Group("/internal"))
	return router
}

func defaultDeps() Deps {
	return Deps{
		DB:        fakePinger{},
		Redis:     fakePinger{},
		Queue:     fakeQueue{},
		Locks:     fakeLocks{},
		Runs:      &fakeRuns{},
		Admission: fakeAdmission{},
		Tiers:     fakeTiers{},
	}
}

func doGet(t *testing.T, router http.Handler, path string, into any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if into != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), into))
	}
	return w.Code
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		db, redis  Pinger
		wantCode   int
		wantStatus string
	}{
		{"all up", fakePinger{}, fakePinger{}, http.StatusOK, "ok"},
		{"redis down", fakePinger{}, fakePinger{err: errors.New("refused")}, http.StatusOK, "degraded"},
		{"redis not configured", fakePinger{}, nil, http.StatusOK, "ok"},
		{"db down", fakePinger{err: errors.New("refused")}, fakePinger{}, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := defaultDeps()
			deps.DB, deps.Redis = tt.db, tt.redis
			router := newTestRouter(deps)

			req := httptest.NewRequest(http.MethodGet, "/internal/health", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
		})
	}
}

func TestQueueStatus(t *testing.T) {
	router := newTestRouter(defaultDeps())

	var resp QueueStatusResponse
	require.Equal(t, http.StatusOK, doGet(t, router, "/internal/queue/status", &resp))
	assert.Equal(t, 7, resp.Queued)
	assert.Equal(t, 2, resp.Processing)
	assert.InDelta(t, 1.5, resp.AvgWaitSeconds, 0.001)
	assert.WithinDuration(t, time.Now(), resp.ObservedAt, time.Minute)

	var item taskqueue.Item
	require.Equal(t, http.StatusOK, doGet(t, router, "/internal/queue/items/q1", &item))
	assert.Equal(t, 3, item.Priority)
	assert.Equal(t, http.StatusNotFound, doGet(t, router, "/internal/queue/items/nope", nil))
}

func TestGetLock(t *testing.T) {
	router := newTestRouter(defaultDeps())

	var resp LockResponse
	require.Equal(t, http.StatusOK, doGet(t, router, "/internal/locks/t1/p1", &resp))
	assert.True(t, resp.Locked)
	require.NotNil(t, resp.Lock)
	assert.Equal(t, "exec-1", resp.Lock.ExecutionID)

	resp = LockResponse{}
	require.Equal(t, http.StatusOK, doGet(t, router, "/internal/locks/t1/p2", &resp))
	assert.False(t, resp.Locked)
	assert.Nil(t, resp.Lock)

	deps := defaultDeps()
	deps.Locks = fakeLocks{err: fmt.Errorf("wrapped: %w", lock.ErrCoordinationUnavailable)}
	assert.Equal(t, http.StatusServiceUnavailable, doGet(t, newTestRouter(deps), "/internal/locks/t1/p1", nil))
}

func TestRuns(t *testing.T) {
	fr := &fakeRuns{}
	deps := defaultDeps()
	deps.Runs = fr
	router := newTestRouter(deps)

	var run runs.Run
	require.Equal(t, http.StatusOK, doGet(t, router, "/internal/runs/r1", &run))
	assert.Equal(t, runs.StateRunning, run.State)
	assert.Equal(t, http.StatusNotFound, doGet(t, router, "/internal/runs/r2", nil))

	var list ListTenantRunsResponse
	require.Equal(t, http.StatusOK, doGet(t, router, "/internal/tenants/t1/runs?state=FAILED&limit=10", &list))
	assert.NotNil(t, list.Runs)
	assert.Equal(t, runs.StateFailed, fr.lastState)
	assert.Equal(t, 10, fr.lastLimit)

	require.Equal(t, http.StatusOK, doGet(t, router, "/internal/tenants/t1/runs", &list))
	assert.Equal(t, 50, fr.lastLimit)

	assert.Equal(t, http.StatusBadRequest, doGet(t, router, "/internal/tenants/t1/runs?state=DONE", nil))
	assert.Equal(t, http.StatusBadRequest, doGet(t, router, "/internal/tenants/t1/runs?limit=500", nil))
}

func TestTenantAdmission(t *testing.T) {
	router := newTestRouter(defaultDeps())

	var resp TenantAdmissionResponse
	require.Equal(t, http.StatusOK, doGet(t, router, "/internal/tenants/t1/admission", &resp))
	assert.Equal(t, "professional", resp.Tier)
	assert.Equal(t, 2, resp.InFlight)
	assert.Equal(t, 5, resp.MaxConcurrent)

	assert.Equal(t, http.StatusNotFound, doGet(t, router, "/internal/tenants/ghost/admission", nil))
}
