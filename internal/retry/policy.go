package retry

import (
	"math"
	"time"
)

// Policy decides whether a failed run is retried and when
type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	// MaxDelay caps a single delay; zero means uncapped.
	MaxDelay  time.Duration
	Retryable map[ErrorClass]bool
}

// DefaultPolicy returns the default run retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         time.Minute,
		BackoffMultiplier: 2,
		MaxDelay:          time.Hour,
		Retryable: map[ErrorClass]bool{
			ClassTransient: true,
			ClassTimeout:   true,
			ClassUnknown:   true,
		},
	}
}

// NewPolicy builds a policy from configuration values
func NewPolicy(maxRetries int, base time.Duration, multiplier float64, maxDelay time.Duration, classes []string) Policy {
	p := Policy{
		MaxRetries:        maxRetries,
		BaseDelay:         base,
		BackoffMultiplier: multiplier,
		MaxDelay:          maxDelay,
		Retryable:         make(map[ErrorClass]bool, len(classes)),
	}
	for _, c := range classes {
		class := ParseErrorClass(c)
		if class == ClassValidation || class == ClassNone {
			continue
		}
		p.Retryable[class] = true
	}
	return p
}

// Allows reports whether a run that has made attemptCount attempts and
// failed with class may be retried. Validation failures never are.
func (p Policy) Allows(attemptCount int, class ErrorClass) bool {
	if class == ClassValidation {
		return false
	}
	if attemptCount >= p.MaxRetries {
		return false
	}
	return p.Retryable[class]
}

// RetryDelay returns base * multiplier^(attempt-1), capped at MaxDelay.
// attempt is 1-based; values below 1 are treated as 1.
func (p Policy) RetryDelay(attempt int, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier <= 0 {
		multiplier = p.BackoffMultiplier
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// CalculateRetryTime returns the instant the next attempt becomes due
func (p Policy) CalculateRetryTime(now time.Time, attempt int, multiplier float64) time.Time {
	return now.Add(p.RetryDelay(attempt, multiplier))
}
