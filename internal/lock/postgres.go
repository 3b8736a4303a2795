package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/costlens/pipeline-service/internal/database"
)

// PostgresStore keeps lock documents in the execution_locks table
type PostgresStore struct {
	db database.DB
}

// NewPostgresStore creates a store backed by db
func NewPostgresStore(db database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Acquire(ctx context.Context, candidate Lock, now time.Time) (bool, *Lock, error) {
	// Insert, or overwrite only an expired row. RETURNING yields nothing
	// when a live lock blocked the update.
	var executionID string
	err := s.db.QueryRow(ctx, `
		INSERT INTO execution_locks (tenant_id, pipeline_id, pipeline_logging_id, locked_at, locked_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, pipeline_id) DO UPDATE
		SET pipeline_logging_id = EXCLUDED.pipeline_logging_id,
		    locked_at = EXCLUDED.locked_at,
		    locked_by = EXCLUDED.locked_by,
		    expires_at = EXCLUDED.expires_at
		WHERE execution_locks.expires_at <= $7
		RETURNING pipeline_logging_id
	`, candidate.TenantID, candidate.PipelineID, candidate.ExecutionID,
		candidate.LockedAt, candidate.LockedBy, candidate.ExpiresAt, now).Scan(&executionID)
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, fmt.Errorf("failed to acquire execution lock: %w", err)
	}

	existing, err := s.read(ctx, candidate.TenantID, candidate.PipelineID)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// released between the two statements; report contention and
		// let the caller requeue
		return false, nil, nil
	}
	return false, existing, nil
}

func (s *PostgresStore) Release(ctx context.Context, tenantID, pipelineID, executionID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM execution_locks
		WHERE tenant_id = $1 AND pipeline_id = $2 AND pipeline_logging_id = $3
	`, tenantID, pipelineID, executionID)
	if err != nil {
		return false, fmt.Errorf("failed to release execution lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, pipelineID string, now time.Time) (*Lock, error) {
	if _, err := s.db.Exec(ctx, `
		DELETE FROM execution_locks
		WHERE tenant_id = $1 AND pipeline_id = $2 AND expires_at <= $3
	`, tenantID, pipelineID, now); err != nil {
		return nil, fmt.Errorf("failed to expire execution lock: %w", err)
	}
	return s.read(ctx, tenantID, pipelineID)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

func (s *PostgresStore) read(ctx context.Context, tenantID, pipelineID string) (*Lock, error) {
	l := Lock{TenantID: tenantID, PipelineID: pipelineID}
	err := s.db.QueryRow(ctx, `
		SELECT pipeline_logging_id, locked_at, locked_by, expires_at
		FROM execution_locks
		WHERE tenant_id = $1 AND pipeline_id = $2
	`, tenantID, pipelineID).Scan(&l.ExecutionID, &l.LockedAt, &l.LockedBy, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read execution lock: %w", err)
	}
	return &l, nil
}
