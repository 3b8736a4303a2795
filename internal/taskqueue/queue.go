// Package taskqueue is the durable priority work queue of pipeline runs.
// Claims are tenant-blind; isolation happens downstream.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costlens/pipeline-service/internal/database"
	"github.com/costlens/pipeline-service/internal/retry"
)

const itemColumns = `queue_id, tenant_id, config, priority, status, worker_id,
	error_message, available_at, claimed_at, created_at, updated_at`

type Queue struct {
	db database.DB
}

func New(db database.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a QUEUED item. With a caller-supplied QueueID the
// insert is insert-or-ignore, so repeated calls create one item.
func (q *Queue) Enqueue(ctx context.Context, input EnqueueInput) (EnqueueResult, error) {
	if input.TenantID == "" {
		return EnqueueResult{}, retry.Validationf("tenant id is required")
	}

	priority := DefaultPriority
	if input.Priority != 0 {
		priority = input.Priority
	}
	if priority < HighestPriority || priority > LowestPriority {
		return EnqueueResult{}, retry.Validation(fmt.Errorf("%w: got %d", ErrInvalidPriority, priority))
	}

	config, err := encodeConfig(input.Config)
	if err != nil {
		return EnqueueResult{}, err
	}

	queueID := input.QueueID
	if queueID == "" {
		queueID = uuid.NewString()
	}

	var availableAt any
	if !input.AvailableAt.IsZero() {
		availableAt = input.AvailableAt
	}

	tag, err := q.db.Exec(ctx, `
		INSERT INTO pipeline_queue (queue_id, tenant_id, config, priority, available_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, NOW()))
		ON CONFLICT (queue_id) DO NOTHING
	`, queueID, input.TenantID, config, priority, availableAt)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to enqueue item: %w", err)
	}

	return EnqueueResult{QueueID: queueID, Inserted: tag.RowsAffected() == 1}, nil
}

// Dequeue claims the most urgent available item for workerID, or returns
// nil when nothing is claimable. The selection and the QUEUED→PROCESSING
// update are one statement; SKIP LOCKED lets concurrent callers move on
// to the next candidate instead of blocking.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Item, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE pipeline_queue
		SET status = 'PROCESSING', worker_id = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE queue_id = (
			SELECT queue_id FROM pipeline_queue
			WHERE status = 'QUEUED' AND available_at <= NOW()
			ORDER BY priority, created_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = 'QUEUED'
		RETURNING `+itemColumns, workerID)

	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	return item, nil
}

// MarkCompleted finishes a claimed item. It is a no-op returning false
// when the item is not PROCESSING.
func (q *Queue) MarkCompleted(ctx context.Context, queueID string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE pipeline_queue
		SET status = 'COMPLETED', updated_at = NOW()
		WHERE queue_id = $1 AND status = 'PROCESSING'
	`, queueID)
	if err != nil {
		return false, fmt.Errorf("failed to mark item %s completed: %w", queueID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed fails a claimed item. It is a no-op returning false when the
// item is not PROCESSING.
func (q *Queue) MarkFailed(ctx context.Context, queueID, errorMessage string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE pipeline_queue
		SET status = 'FAILED', error_message = $2, updated_at = NOW()
		WHERE queue_id = $1 AND status = 'PROCESSING'
	`, queueID, errorMessage)
	if err != nil {
		return false, fmt.Errorf("failed to mark item %s failed: %w", queueID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns one item by id
func (q *Queue) Get(ctx context.Context, queueID string) (*Item, error) {
	item, err := scanItem(q.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM pipeline_queue WHERE queue_id = $1`, queueID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", queueID, err)
	}
	return item, nil
}

// Length returns the number of QUEUED items, including delayed ones
func (q *Queue) Length(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM pipeline_queue WHERE status = 'QUEUED'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// Status summarises the queue. avg_wait_seconds is the mean age of the
// items still waiting.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	var s Status
	err := q.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'QUEUED'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COALESCE(AVG(EXTRACT(EPOCH FROM (NOW() - created_at))) FILTER (WHERE status = 'QUEUED'), 0)::float8
		FROM pipeline_queue
		WHERE status IN ('QUEUED', 'PROCESSING')
	`).Scan(&s.Queued, &s.Processing, &s.AvgWaitSeconds)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read queue status: %w", err)
	}
	return s, nil
}

// FailStale fails PROCESSING items claimed before cutoff, whose workers
// are presumed dead. Returns the number of items failed.
func (q *Queue) FailStale(ctx context.Context, cutoff time.Time, message string) (int, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE pipeline_queue
		SET status = 'FAILED', error_message = $2, updated_at = NOW()
		WHERE status = 'PROCESSING' AND claimed_at < $1
	`, cutoff, message)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Cleanup deletes terminal items last updated before cutoff
func (q *Queue) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM pipeline_queue
		WHERE status IN ('COMPLETED', 'FAILED') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up queue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func encodeConfig(config any) ([]byte, error) {
	switch c := config.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if !json.Valid(c) {
			return nil, retry.Validationf("config is not valid JSON")
		}
		return c, nil
	case []byte:
		if !json.Valid(c) {
			return nil, retry.Validationf("config is not valid JSON")
		}
		return c, nil
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return nil, retry.Validation(fmt.Errorf("failed to encode config: %w", err))
		}
		return data, nil
	}
}

func scanItem(row pgx.Row) (*Item, error) {
	var item Item
	var status string
	err := row.Scan(
		&item.QueueID, &item.TenantID, &item.Config, &item.Priority, &status, &item.WorkerID,
		&item.ErrorMessage, &item.AvailableAt, &item.ClaimedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = ItemStatus(status)
	return &item, nil
}
