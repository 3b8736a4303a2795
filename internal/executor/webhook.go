package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	pipehttp "github.com/costlens/pipeline-service/internal/http"
	"github.com/costlens/pipeline-service/internal/retry"
)

type webhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// webhookBody is what the external ETL service receives
type webhookBody struct {
	Request
	Deadline time.Time `json:"deadline,omitempty"`
}

// Webhook hands the run to an external ETL service over HTTP. The
// execution id is sent as the idempotency key so client retries are safe.
type Webhook struct {
	client *pipehttp.Client
}

func NewWebhook(client *pipehttp.Client) *Webhook {
	return &Webhook{client: client}
}

func (w *Webhook) Kind() Kind {
	return KindWebhook
}

func (w *Webhook) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	var cfg webhookConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return Result{}, err
	}
	target, err := url.Parse(cfg.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return Result{}, retry.Validationf("webhook url %q must be an absolute http(s) url", cfg.URL)
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	body := webhookBody{Request: req}
	if deadline, ok := ctx.Deadline(); ok {
		body.Deadline = deadline.UTC()
	}
	// the service receives the step config without its own transport settings
	body.Config = nil
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, retry.Validation(fmt.Errorf("encode webhook body: %w", err))
	}

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	header.Set("Idempotency-Key", req.ExecutionID)
	header.Set("X-Tenant-ID", req.TenantID)

	resp, err := w.client.Do(ctx, method, target.String(), payload, header)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	result := Result{Status: "completed"}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, retry.Transient(fmt.Errorf("read webhook response: %w", err))
	}
	if len(data) > 0 {
		// a non-JSON body is accepted as a bare success
		_ = json.Unmarshal(data, &result)
	}
	result.Duration = time.Since(start)
	return result, nil
}
