package taskqueue

import (
	"encoding/json"
	"errors"
	"time"
)

type ItemStatus string

const (
	StatusQueued     ItemStatus = "QUEUED"
	StatusProcessing ItemStatus = "PROCESSING"
	StatusCompleted  ItemStatus = "COMPLETED"
	StatusFailed     ItemStatus = "FAILED"
)

const (
	HighestPriority = 1
	LowestPriority  = 10
	DefaultPriority = 5
)

var (
	ErrInvalidPriority = errors.New("priority must be between 1 and 10")
	ErrNotFound        = errors.New("queue item not found")
)

// Item is one pending request to execute a pipeline
type Item struct {
	QueueID      string          `json:"queue_id"`
	TenantID     string          `json:"tenant_id"`
	Config       json.RawMessage `json:"config"`
	Priority     int             `json:"priority"`
	Status       ItemStatus      `json:"status"`
	WorkerID     *string         `json:"worker_id,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	AvailableAt  time.Time       `json:"available_at"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Wait is how long the item sat queued before it was claimed
func (i *Item) Wait() time.Duration {
	if i.ClaimedAt == nil {
		return 0
	}
	start := i.CreatedAt
	if i.AvailableAt.After(start) {
		start = i.AvailableAt
	}
	return i.ClaimedAt.Sub(start)
}

type EnqueueInput struct {
	TenantID string
	Config   any
	// Priority 1 (highest) to 10; zero means DefaultPriority.
	Priority int
	// QueueID makes the insert idempotent when set.
	QueueID string
	// AvailableAt delays the item; zero means now.
	AvailableAt time.Time
}

type EnqueueResult struct {
	QueueID string
	// Inserted is false when an item with QueueID already existed.
	Inserted bool
}

// Status is the observability snapshot of the queue
type Status struct {
	Queued         int     `json:"queued"`
	Processing     int     `json:"processing"`
	AvgWaitSeconds float64 `json:"avg_wait_seconds"`
}
