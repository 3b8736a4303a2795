package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costlens/pipeline-service/internal/database"
	"github.com/costlens/pipeline-service/internal/metrics"
	"github.com/costlens/pipeline-service/internal/retry"
)

const runColumns = `run_id, tenant_id, config_id, scheduled_time, state, pipeline_logging_id,
	attempt_count, execution_duration_seconds, error_message, error_class, next_retry_time,
	started_at, completed_at, state_changed_at, created_at, updated_at`

// Store persists runs in pipeline_runs. Every state change is a single
// conditional update on the current state.
type Store struct {
	db      database.DB
	policy  retry.Policy
	metrics *metrics.Recorder
	now     func() time.Time
}

func NewStore(db database.DB, policy retry.Policy, recorder *metrics.Recorder) *Store {
	return &Store{
		db:      db,
		policy:  policy,
		metrics: recorder,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the retry policy the store applies
func (s *Store) Policy() retry.Policy {
	return s.policy
}

type CreateInput struct {
	TenantID      string
	ConfigID      string
	ScheduledTime time.Time
	// RunID is generated when empty.
	RunID string
}

// Create inserts a SCHEDULED run and returns its id
func (s *Store) Create(ctx context.Context, input CreateInput) (string, error) {
	if input.TenantID == "" || input.ConfigID == "" {
		return "", retry.Validationf("tenant id and config id are required")
	}

	runID := input.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	scheduled := input.ScheduledTime
	if scheduled.IsZero() {
		scheduled = s.now()
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO pipeline_runs (run_id, tenant_id, config_id, scheduled_time)
		VALUES ($1, $2, $3, $4)
	`, runID, input.TenantID, input.ConfigID, scheduled)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	s.metrics.RecordTransition(string(StateScheduled))
	return runID, nil
}

// Get returns one run
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return run, nil
}

// Transition moves the run from→to when it is currently in from. A false
// result means the run was in another state; the caller must not assume
// the change happened.
func (s *Store) Transition(ctx context.Context, runID string, from, to State) (bool, error) {
	if !CanTransition(from, to) {
		return false, retry.Validation(fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to))
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE pipeline_runs
		SET state = $3, state_changed_at = NOW(), updated_at = NOW()
		WHERE run_id = $1 AND state = $2
	`, runID, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to transition run %s: %w", runID, err)
	}
	return s.changed(tag.RowsAffected(), to), nil
}

// MarkRunning starts an attempt: PENDING→RUNNING, recording the
// execution id and incrementing attempt_count.
func (s *Store) MarkRunning(ctx context.Context, runID, pipelineLoggingID string) (bool, error) {
	if pipelineLoggingID == "" {
		return false, retry.Validationf("pipeline logging id is required")
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE pipeline_runs
		SET state = 'RUNNING',
		    pipeline_logging_id = $2,
		    attempt_count = attempt_count + 1,
		    started_at = $3,
		    next_retry_time = NULL,
		    state_changed_at = NOW(),
		    updated_at = NOW()
		WHERE run_id = $1 AND state = 'PENDING'
	`, runID, pipelineLoggingID, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to mark run %s running: %w", runID, err)
	}
	return s.changed(tag.RowsAffected(), StateRunning), nil
}

// MarkCompleted finishes a RUNNING run
func (s *Store) MarkCompleted(ctx context.Context, runID string, duration time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE pipeline_runs
		SET state = 'COMPLETED',
		    execution_duration_seconds = $2,
		    error_message = NULL,
		    error_class = NULL,
		    completed_at = $3,
		    state_changed_at = NOW(),
		    updated_at = NOW()
		WHERE run_id = $1 AND state = 'RUNNING'
	`, runID, duration.Seconds(), s.now())
	if err != nil {
		return false, fmt.Errorf("failed to mark run %s completed: %w", runID, err)
	}
	if s.changed(tag.RowsAffected(), StateCompleted) {
		s.metrics.RecordRunDuration("completed", duration)
		return true, nil
	}
	return false, nil
}

// FailResult is the outcome of MarkFailed
type FailResult struct {
	Failed    bool
	Retried   bool
	NextRetry time.Time
}

// MarkFailed records cause on a live run and moves it to FAILED. When
// shouldRetry is set and the retry policy allows it, the run is then
// scheduled for another attempt.
func (s *Store) MarkFailed(ctx context.Context, runID string, cause error, shouldRetry bool) (FailResult, error) {
	class := retry.Classify(cause)
	if class == retry.ClassNone {
		class = retry.ClassUnknown
	}
	message := string(class)
	if cause != nil {
		message = cause.Error()
	}

	var attempts int
	err := s.db.QueryRow(ctx, `
		UPDATE pipeline_runs
		SET state = 'FAILED',
		    error_message = $2,
		    error_class = $3,
		    next_retry_time = NULL,
		    completed_at = $4,
		    state_changed_at = NOW(),
		    updated_at = NOW()
		WHERE run_id = $1 AND state IN ('SCHEDULED', 'PENDING', 'RUNNING')
		RETURNING attempt_count
	`, runID, message, string(class), s.now()).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return FailResult{}, nil
	}
	if err != nil {
		return FailResult{}, fmt.Errorf("failed to mark run %s failed: %w", runID, err)
	}
	s.metrics.RecordTransition(string(StateFailed))

	if !shouldRetry || !s.policy.Allows(attempts, class) {
		return FailResult{Failed: true}, nil
	}

	next, ok, err := s.ScheduleRetry(ctx, runID)
	if err != nil {
		return FailResult{Failed: true}, err
	}
	return FailResult{Failed: true, Retried: ok, NextRetry: next}, nil
}

// ShouldRetry reports whether a FAILED run is eligible for another attempt
// under the store's policy.
func (s *Store) ShouldRetry(ctx context.Context, runID string) (bool, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return false, err
	}
	return ShouldRetry(run, s.policy), nil
}

// ShouldRetry is the stateless retry decision for a loaded run
func ShouldRetry(run *Run, policy retry.Policy) bool {
	if run.State != StateFailed {
		return false
	}
	class := retry.ClassUnknown
	if run.ErrorClass != nil {
		class = retry.ParseErrorClass(*run.ErrorClass)
	}
	return policy.Allows(run.AttemptCount, class)
}

// ScheduleRetry sets next_retry_time from the attempt count and flips the
// run FAILED→PENDING. The retry dispatcher re-enqueues it once due. The
// update is conditional on the attempt count read, so a concurrent
// attempt cannot be overwritten.
func (s *Store) ScheduleRetry(ctx context.Context, runID string) (time.Time, bool, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return time.Time{}, false, err
	}
	if run.State != StateFailed {
		return time.Time{}, false, nil
	}

	next := s.policy.CalculateRetryTime(s.now(), run.AttemptCount, s.policy.BackoffMultiplier)
	tag, err := s.db.Exec(ctx, `
		UPDATE pipeline_runs
		SET state = 'PENDING',
		    next_retry_time = $3,
		    state_changed_at = NOW(),
		    updated_at = NOW()
		WHERE run_id = $1 AND state = 'FAILED' AND attempt_count = $2
	`, runID, run.AttemptCount, next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to schedule retry for run %s: %w", runID, err)
	}
	if !s.changed(tag.RowsAffected(), StatePending) {
		return time.Time{}, false, nil
	}

	class := string(retry.ClassUnknown)
	if run.ErrorClass != nil {
		class = *run.ErrorClass
	}
	s.metrics.RecordRetryScheduled(class)
	return next, true, nil
}

// ListDueRetries returns PENDING runs whose next_retry_time has passed
// and whose current attempt has not been dispatched yet
func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `
		SELECT `+runColumns+` FROM pipeline_runs
		WHERE state = 'PENDING' AND next_retry_time IS NOT NULL AND next_retry_time <= $1
		  AND (retry_dispatched_attempt IS NULL OR retry_dispatched_attempt <> attempt_count)
		ORDER BY next_retry_time
		LIMIT $2
	`, now, limit)
}

// MarkRetryDispatched records that the retry following attempt has been
// enqueued. It only applies while the run is still PENDING on that attempt.
func (s *Store) MarkRetryDispatched(ctx context.Context, runID string, attempt int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE pipeline_runs
		SET retry_dispatched_attempt = $2, updated_at = NOW()
		WHERE run_id = $1 AND state = 'PENDING' AND attempt_count = $2
	`, runID, attempt)
	if err != nil {
		return false, fmt.Errorf("failed to mark retry dispatched for run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByTenant returns a tenant's most recent runs, optionally filtered by state
func (s *Store) ListByTenant(ctx context.Context, tenantID string, state State, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `
		SELECT `+runColumns+` FROM pipeline_runs
		WHERE tenant_id = $1 AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, string(state), limit)
}

// FailStale fails runs presumed crashed: RUNNING runs started before cutoff
// and PENDING runs idle since before cutoff. Returns the number failed.
func (s *Store) FailStale(ctx context.Context, cutoff time.Time, message string) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE pipeline_runs
		SET state = 'FAILED',
		    error_message = $2,
		    error_class = 'timeout',
		    next_retry_time = NULL,
		    completed_at = NOW(),
		    state_changed_at = NOW(),
		    updated_at = NOW()
		WHERE (state = 'RUNNING' AND started_at < $1)
		   OR (state = 'PENDING' AND COALESCE(next_retry_time, state_changed_at) < $1)
	`, cutoff, message)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale runs: %w", err)
	}
	n := int(tag.RowsAffected())
	s.metrics.RecordTransitions(string(StateFailed), n)
	return n, nil
}

// LiveCounts returns the number of non-stale RUNNING runs per tenant
func (s *Store) LiveCounts(ctx context.Context, cutoff time.Time) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tenant_id, COUNT(*)
		FROM pipeline_runs
		WHERE state = 'RUNNING' AND started_at >= $1
		GROUP BY tenant_id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to count live runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tenantID string
		var n int
		if err := rows.Scan(&tenantID, &n); err != nil {
			return nil, err
		}
		counts[tenantID] = n
	}
	return counts, rows.Err()
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]Run, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	result := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

func (s *Store) changed(rows int64, to State) bool {
	if rows != 1 {
		return false
	}
	s.metrics.RecordTransition(string(to))
	return true
}

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	var state string
	err := row.Scan(
		&run.RunID, &run.TenantID, &run.ConfigID, &run.ScheduledTime, &state, &run.PipelineLoggingID,
		&run.AttemptCount, &run.DurationSeconds, &run.ErrorMessage, &run.ErrorClass, &run.NextRetryTime,
		&run.StartedAt, &run.CompletedAt, &run.StateChangedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.State = State(state)
	return &run, nil
}
