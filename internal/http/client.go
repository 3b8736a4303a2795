// Package http is the outbound HTTP client used by executors that call
// external pipeline services.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/costlens/pipeline-service/internal/retry"
)

// Config holds rate limiting and retry configuration
type Config struct {
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	Backoff           retry.Backoff
	UserAgent         string
}

// DefaultConfig returns the default client configuration
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             10,
		MaxRetries:        2,
		Backoff:           retry.Backoff{Initial: 200 * time.Millisecond, Max: 10 * time.Second},
		UserAgent:         "pipeline-service/1.0",
	}
}

// StatusError is returned when a request did not produce a 2xx response
type StatusError struct {
	URL        string
	Attempts   int
	LastStatus int
	LastError  error
	Body       string
}

func (e *StatusError) Error() string {
	msg := "request to " + e.URL + " failed after " + strconv.Itoa(e.Attempts) + " attempts"
	if e.LastStatus != 0 {
		msg += " (HTTP " + strconv.Itoa(e.LastStatus) + ")"
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.LastError != nil {
		msg += ": " + e.LastError.Error()
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return e.LastError
}

// Client is an HTTP client with rate limiting and retry logic
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	config     Config
}

// NewClient creates a new HTTP client. Request deadlines come from the
// caller's context.
func NewClient(config Config) *Client {
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, burst),
		config:     config,
	}
}

// Do sends a request, retrying 408/429/5xx responses with backoff.
// Non-retryable statuses fail with a validation-class error; exhausted
// retries fail with a transient-class error. The caller closes the body
// of a successful response.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	var lastStatus int
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, retry.Validation(fmt.Errorf("build request: %w", err))
		}
		for k, values := range header {
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}
		if len(body) > 0 && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// context and network errors classify themselves
			lastErr = err
			if ctx.Err() != nil || !retry.IsTransient(err) || attempt == c.config.MaxRetries {
				return nil, err
			}
			if err := sleep(ctx, retry.CalculateBackoff(attempt, c.config.Backoff)); err != nil {
				return nil, lastErr
			}
			continue
		}

		lastStatus = resp.StatusCode
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		snippet := readSnippet(resp.Body)
		resp.Body.Close()

		if !retry.IsRetryableStatus(resp.StatusCode) {
			return nil, retry.Validation(&StatusError{URL: url, Attempts: attempt + 1, LastStatus: lastStatus, Body: snippet})
		}
		if attempt == c.config.MaxRetries {
			return nil, retry.Transient(&StatusError{URL: url, Attempts: attempt + 1, LastStatus: lastStatus, Body: snippet})
		}

		backoff := retry.CalculateBackoff(attempt, c.config.Backoff)
		if resp.StatusCode == http.StatusTooManyRequests {
			backoff = rateLimitBackoff(attempt, c.config.Backoff, resp.Header.Get("Retry-After"))
		}
		if err := sleep(ctx, backoff); err != nil {
			return nil, retry.Timeout(&StatusError{URL: url, Attempts: attempt + 1, LastStatus: lastStatus, LastError: err})
		}
	}

	return nil, retry.Transient(&StatusError{URL: url, Attempts: c.config.MaxRetries + 1, LastStatus: lastStatus, LastError: lastErr})
}

// rateLimitBackoff honours Retry-After seconds, else backs off by 3^attempt
func rateLimitBackoff(attempt int, b retry.Backoff, retryAfter string) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		jitter := time.Duration(rand.Float64() * float64(time.Second))
		return time.Duration(seconds)*time.Second + jitter
	}

	exponential := float64(b.Initial) * math.Pow(3.0, float64(attempt))
	capped := exponential
	if b.Max > 0 {
		capped = math.Min(exponential, float64(b.Max))
	}
	return time.Duration(capped + rand.Float64()*0.25*capped)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(bytes.TrimSpace(data))
}
