package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/costlens/pipeline-service/internal/metrics"
	"github.com/costlens/pipeline-service/internal/retry"
)

// ManagerConfig holds lock manager settings
type ManagerConfig struct {
	TTL time.Duration
	// FailOpen grants the lock without coordination when the store is
	// unreachable. When false, Acquire returns ErrCoordinationUnavailable.
	FailOpen bool
	Backoff  retry.Backoff
}

// DefaultManagerConfig returns the default lock manager settings
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		TTL:      DefaultTTL,
		FailOpen: true,
		Backoff:  retry.DefaultBackoff(),
	}
}

// Manager hands out execution locks from a Store
type Manager struct {
	store   Store
	config  ManagerConfig
	metrics *metrics.Recorder
	logger  *zerolog.Logger
	now     func() time.Time
}

// NewManager creates a lock manager
func NewManager(store Store, config ManagerConfig, recorder *metrics.Recorder, logger *zerolog.Logger) *Manager {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Manager{
		store:   store,
		config:  config,
		metrics: recorder,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// TTL returns the lock time-to-live
func (m *Manager) TTL() time.Duration {
	return m.config.TTL
}

// Acquire tries to take the lock for (tenantID, pipelineID) on behalf of
// executionID. Contention is reported in the result, not as an error.
func (m *Manager) Acquire(ctx context.Context, tenantID, pipelineID, executionID, holder string) (AcquireResult, error) {
	if tenantID == "" || pipelineID == "" || executionID == "" {
		return AcquireResult{}, retry.Validationf("lock key and execution id are required")
	}

	var (
		granted  bool
		existing *Lock
	)
	err := retry.Do(ctx, "lock.acquire", m.config.Backoff, func(ctx context.Context) error {
		now := m.now()
		candidate := Lock{
			TenantID:    tenantID,
			PipelineID:  pipelineID,
			ExecutionID: executionID,
			LockedBy:    holder,
			LockedAt:    now,
			ExpiresAt:   now.Add(m.config.TTL),
		}
		var err error
		granted, existing, err = m.store.Acquire(ctx, candidate, now)
		return err
	})

	log := m.logger.With().
		Str("tenant_id", tenantID).
		Str("pipeline_id", pipelineID).
		Str("execution_id", executionID).
		Logger()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return AcquireResult{}, ctxErr
		}
		if !m.config.FailOpen {
			m.metrics.RecordLockAcquire("error")
			log.Error().Err(err).Msg("Lock store unavailable, refusing execution")
			return AcquireResult{}, storeUnavailable(err)
		}
		m.metrics.RecordLockAcquire("failed_open")
		log.Warn().Err(err).Msg("Lock store unavailable, proceeding without lock")
		return AcquireResult{Granted: true, FailedOpen: true}, nil
	}

	if !granted {
		m.metrics.RecordLockAcquire("held")
		result := AcquireResult{}
		if existing != nil {
			result.ExistingExecutionID = existing.ExecutionID
		}
		log.Info().
			Str("existing_execution_id", result.ExistingExecutionID).
			Msg("Pipeline already running")
		return result, nil
	}

	m.metrics.RecordLockAcquire("granted")
	log.Debug().Dur("ttl", m.config.TTL).Msg("Acquired execution lock")
	return AcquireResult{Granted: true}, nil
}

// Release frees the lock if executionID still owns it. A false result
// means the lock was missing or held by another execution.
func (m *Manager) Release(ctx context.Context, tenantID, pipelineID, executionID string) (bool, error) {
	var released bool
	err := retry.Do(ctx, "lock.release", m.config.Backoff, func(ctx context.Context) error {
		var err error
		released, err = m.store.Release(ctx, tenantID, pipelineID, executionID)
		return err
	})
	if err != nil {
		m.metrics.RecordLockRelease("error")
		return false, fmt.Errorf("failed to release lock %s/%s: %w", tenantID, pipelineID, err)
	}

	if !released {
		m.metrics.RecordLockRelease("not_owner")
		m.logger.Warn().
			Str("tenant_id", tenantID).
			Str("pipeline_id", pipelineID).
			Str("execution_id", executionID).
			Msg("Lock not released: missing or owned by another execution")
		return false, nil
	}

	m.metrics.RecordLockRelease("released")
	return true, nil
}

// Status returns the live lock for the key, or nil
func (m *Manager) Status(ctx context.Context, tenantID, pipelineID string) (*Lock, error) {
	var current *Lock
	err := retry.Do(ctx, "lock.status", m.config.Backoff, func(ctx context.Context) error {
		var err error
		current, err = m.store.Get(ctx, tenantID, pipelineID, m.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s/%s: %w", tenantID, pipelineID, err)
	}
	return current, nil
}

// Ping checks the lock store
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
