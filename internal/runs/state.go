// Package runs persists the lifecycle of scheduled pipeline runs.
package runs

import (
	"errors"
	"time"
)

type State string

const (
	StateScheduled State = "SCHEDULED"
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

var (
	ErrNotFound          = errors.New("run not found")
	ErrInvalidTransition = errors.New("invalid run state transition")
)

// transitions lists the allowed edges. FAILED→PENDING is the retry edge.
var transitions = map[State][]State{
	StateScheduled: {StatePending, StateFailed},
	StatePending:   {StateRunning, StateFailed},
	StateRunning:   {StateCompleted, StateFailed},
	StateFailed:    {StatePending},
}

// CanTransition reports whether from→to is an allowed edge
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateScheduled, StatePending, StateRunning, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no forward edge other than retry leaves s
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Run is the authoritative record of one scheduled pipeline execution
type Run struct {
	RunID             string     `json:"run_id"`
	TenantID          string     `json:"tenant_id"`
	ConfigID          string     `json:"config_id"`
	ScheduledTime     time.Time  `json:"scheduled_time"`
	State             State      `json:"state"`
	PipelineLoggingID *string    `json:"pipeline_logging_id,omitempty"`
	AttemptCount      int        `json:"attempt_count"`
	DurationSeconds   *float64   `json:"execution_duration_seconds,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	ErrorClass        *string    `json:"error_class,omitempty"`
	NextRetryTime     *time.Time `json:"next_retry_time,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	StateChangedAt    time.Time  `json:"state_changed_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
