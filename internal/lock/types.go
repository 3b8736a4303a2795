// Package lock provides the per-(tenant, pipeline) execution lock that
// keeps at most one live execution of a pipeline across all workers.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/costlens/pipeline-service/internal/retry"
)

// DefaultTTL is the longest a single execution is expected to run
const DefaultTTL = time.Hour

// ErrCoordinationUnavailable is returned when the lock store cannot be
// reached and the manager is configured to fail closed.
var ErrCoordinationUnavailable = errors.New("coordination store unavailable")

// Lock is the lock document for one (tenant, pipeline) key
type Lock struct {
	TenantID    string    `json:"tenant_id"`
	PipelineID  string    `json:"pipeline_id"`
	ExecutionID string    `json:"pipeline_logging_id"`
	LockedBy    string    `json:"locked_by"`
	LockedAt    time.Time `json:"locked_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the lock may be replaced at now
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Store is an atomic read-modify-write backend for lock documents.
// Every method is a single transaction against the store.
type Store interface {
	// Acquire writes candidate unless a lock that has not expired at now
	// already exists, in which case that lock is returned.
	Acquire(ctx context.Context, candidate Lock, now time.Time) (granted bool, existing *Lock, err error)
	// Release deletes the lock only when its execution id matches.
	Release(ctx context.Context, tenantID, pipelineID, executionID string) (bool, error)
	// Get returns the live lock or nil. An expired lock is deleted.
	Get(ctx context.Context, tenantID, pipelineID string, now time.Time) (*Lock, error)
	Ping(ctx context.Context) error
}

// AcquireResult is the outcome of Manager.Acquire
type AcquireResult struct {
	Granted bool
	// ExistingExecutionID is the holder's execution id when not granted.
	ExistingExecutionID string
	// FailedOpen is set when the store was unreachable and the lock was
	// granted without coordination.
	FailedOpen bool
}

func storeUnavailable(err error) error {
	return &retry.ClassifiedError{
		Class: retry.ClassTransient,
		Err:   errors.Join(ErrCoordinationUnavailable, err),
	}
}
