package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// Backoff configures call-site retries of infrastructure operations
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff returns the default call-site retry settings
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts: 3,
		Initial:  100 * time.Millisecond,
		Max:      2 * time.Second,
	}
}

// ExhaustedError is returned when every attempt failed with a transient error
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// CalculateBackoff returns Initial * 2^attempt capped at Max, plus 0-25% jitter.
// attempt is 0-based.
func CalculateBackoff(attempt int, b Backoff) time.Duration {
	exponential := float64(b.Initial) * math.Pow(2.0, float64(attempt))
	capped := exponential
	if b.Max > 0 {
		capped = math.Min(exponential, float64(b.Max))
	}
	jitter := rand.Float64() * 0.25 * capped
	return time.Duration(capped + jitter)
}

// IsRetryableStatus checks if an HTTP status code is retryable.
// Retryable: 408, 429, 5xx
func IsRetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}

// Do runs fn until it succeeds, returns a non-transient error, the
// context ends, or the attempts are used up.
func Do(ctx context.Context, op string, b Backoff, fn func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(CalculateBackoff(attempt, b))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return &ExhaustedError{Op: op, Attempts: attempts, Last: lastErr}
}
