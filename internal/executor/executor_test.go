package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipehttp "github.com/costlens/pipeline-service/internal/http"
	"github.com/costlens/pipeline-service/internal/retry"
)

func testClient() *pipehttp.Client {
	cfg := pipehttp.DefaultConfig()
	cfg.RequestsPerSecond = 0
	cfg.Backoff = retry.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond}
	return pipehttp.NewClient(cfg)
}

func webhookRequest(t *testing.T, url string) Request {
	t.Helper()
	cfg, err := json.Marshal(map[string]any{"url": url, "headers": map[string]string{"X-Source": "test"}})
	require.NoError(t, err)
	return Request{RunID: "run-1", TenantID: "t1", ConfigID: "cfg-1", ExecutionID: "exec-1", Attempt: 1, Config: cfg}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewNoop(), NewWebhook(testClient()))

	e, err := r.Lookup(KindNoop)
	require.NoError(t, err)
	assert.Equal(t, KindNoop, e.Kind())

	_, err = r.Lookup("spark")
	assert.Equal(t, retry.ClassValidation, retry.Classify(err))

	assert.Equal(t, []Kind{KindNoop, KindWebhook}, r.Kinds())
}

func TestNoop(t *testing.T) {
	n := NewNoop()

	res, err := n.Execute(context.Background(), Request{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "dry_run", res.Status)

	_, err = n.Execute(context.Background(), Request{Config: json.RawMessage(`{"fail_with":"transient"}`)})
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))

	_, err = n.Execute(context.Background(), Request{Config: json.RawMessage(`{"simulate_ms":`)})
	assert.Equal(t, retry.ClassValidation, retry.Classify(err))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = n.Execute(ctx, Request{Config: json.RawMessage(`{"simulate_ms":5000}`)})
	assert.Equal(t, retry.ClassTimeout, retry.Classify(err))
}

func TestWebhookSuccess(t *testing.T) {
	var got webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "exec-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "test", r.Header.Get("X-Source"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"loaded","units_processed":1200,"estimated_cost":0.42}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := NewWebhook(testClient()).Execute(ctx, webhookRequest(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "loaded", res.Status)
	assert.Equal(t, int64(1200), res.UnitsProcessed)
	assert.InDelta(t, 0.42, res.EstimatedCost, 1e-9)

	assert.Equal(t, "run-1", got.RunID)
	assert.Nil(t, got.Config, "transport settings are not forwarded")
	assert.False(t, got.Deadline.IsZero())
}

func TestWebhookClientErrorIsValidation(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown pipeline", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewWebhook(testClient()).Execute(context.Background(), webhookRequest(t, srv.URL))
	require.Error(t, err)
	assert.Equal(t, retry.ClassValidation, retry.Classify(err))
	assert.Contains(t, err.Error(), "HTTP 422")
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
}

func TestWebhookServerErrorRetriedThenTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWebhook(testClient()).Execute(context.Background(), webhookRequest(t, srv.URL))
	require.Error(t, err)
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookRecoversAfterTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res, err := NewWebhook(testClient()).Execute(context.Background(), webhookRequest(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookRejectsBadURL(t *testing.T) {
	req := Request{Config: json.RawMessage(`{"url":"ftp://example.com/x"}`)}
	_, err := NewWebhook(testClient()).Execute(context.Background(), req)
	assert.Equal(t, retry.ClassValidation, retry.Classify(err))
}

func TestWebhookTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewWebhook(testClient()).Execute(ctx, webhookRequest(t, srv.URL))
	require.Error(t, err)
	assert.Equal(t, retry.ClassTimeout, retry.Classify(err))
}
