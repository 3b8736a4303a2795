// Package orchestrator ties the run store, work queue, execution lock and
// admission controller together: it submits runs, processes claimed queue
// items and re-enqueues due retries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/costlens/pipeline-service/internal/admission"
	"github.com/costlens/pipeline-service/internal/executor"
	"github.com/costlens/pipeline-service/internal/lock"
	"github.com/costlens/pipeline-service/internal/metrics"
	"github.com/costlens/pipeline-service/internal/retry"
	"github.com/costlens/pipeline-service/internal/runs"
	"github.com/costlens/pipeline-service/internal/taskqueue"
)

// RunStore is the run state machine
type RunStore interface {
	Create(ctx context.Context, input runs.CreateInput) (string, error)
	Get(ctx context.Context, runID string) (*runs.Run, error)
	Transition(ctx context.Context, runID string, from, to runs.State) (bool, error)
	MarkRunning(ctx context.Context, runID, pipelineLoggingID string) (bool, error)
	MarkCompleted(ctx context.Context, runID string, duration time.Duration) (bool, error)
	MarkFailed(ctx context.Context, runID string, cause error, shouldRetry bool) (runs.FailResult, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]runs.Run, error)
	MarkRetryDispatched(ctx context.Context, runID string, attempt int) (bool, error)
}

// Queue is the priority work queue
type Queue interface {
	Enqueue(ctx context.Context, input taskqueue.EnqueueInput) (taskqueue.EnqueueResult, error)
	MarkCompleted(ctx context.Context, queueID string) (bool, error)
	MarkFailed(ctx context.Context, queueID, errorMessage string) (bool, error)
	Get(ctx context.Context, queueID string) (*taskqueue.Item, error)
}

// Locker is the execution lock manager
type Locker interface {
	Acquire(ctx context.Context, tenantID, pipelineID, executionID, holder string) (lock.AcquireResult, error)
	Release(ctx context.Context, tenantID, pipelineID, executionID string) (bool, error)
}

// Admitter is the admission controller
type Admitter interface {
	AcquireSlot(ctx context.Context, tenantID, tier string) (bool, error)
	ReleaseSlot(ctx context.Context, tenantID string)
	ResolveTimeout(shape admission.OperationShape, explicit time.Duration, tier string) time.Duration
	RecordUsage(ctx context.Context, rec admission.UsageRecord)
}

// TierSource resolves a tenant's subscription tier
type TierSource interface {
	GetTier(ctx context.Context, tenantID string) (string, error)
}

// UsageCounters is the optimistic usage bookkeeping
type UsageCounters interface {
	RunStarted(ctx context.Context, tenantID string)
	RunFinished(ctx context.Context, tenantID string, succeeded bool)
}

// ErrAlreadyRunning means the run's pipeline holds an execution lock for
// another run. The run stays PENDING and is requeued.
var ErrAlreadyRunning = errors.New("pipeline already running")

// Config holds orchestration settings
type Config struct {
	// RequeueDelay postpones items denied admission or hit by a
	// transient infrastructure error.
	RequeueDelay time.Duration
	// FinalizeTimeout bounds bookkeeping after an execution, which runs
	// even when the worker is shutting down.
	FinalizeTimeout time.Duration
	RetryBatchSize  int
}

// DefaultConfig returns the default orchestration settings
func DefaultConfig() Config {
	return Config{
		RequeueDelay:    30 * time.Second,
		FinalizeTimeout: 30 * time.Second,
		RetryBatchSize:  100,
	}
}

// Orchestrator wires the control plane components together
type Orchestrator struct {
	runs      RunStore
	queue     Queue
	locks     Locker
	admission Admitter
	tiers     TierSource
	counters  UsageCounters
	executors *executor.Registry
	metrics   *metrics.Recorder
	config    Config
	logger    *zerolog.Logger
	now       func() time.Time
}

// Deps are the collaborators of an Orchestrator. Counters and Metrics
// may be nil.
type Deps struct {
	Runs      RunStore
	Queue     Queue
	Locks     Locker
	Admission Admitter
	Tiers     TierSource
	Counters  UsageCounters
	Executors *executor.Registry
	Metrics   *metrics.Recorder
}

func New(deps Deps, config Config, logger *zerolog.Logger) *Orchestrator {
	defaults := DefaultConfig()
	if config.RequeueDelay <= 0 {
		config.RequeueDelay = defaults.RequeueDelay
	}
	if config.FinalizeTimeout <= 0 {
		config.FinalizeTimeout = defaults.FinalizeTimeout
	}
	if config.RetryBatchSize <= 0 {
		config.RetryBatchSize = defaults.RetryBatchSize
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Orchestrator{
		runs:      deps.Runs,
		queue:     deps.Queue,
		locks:     deps.Locks,
		admission: deps.Admission,
		tiers:     deps.Tiers,
		counters:  deps.Counters,
		executors: deps.Executors,
		metrics:   deps.Metrics,
		config:    config,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SubmitInput describes a run to schedule
type SubmitInput struct {
	TenantID      string
	ConfigID      string
	Kind          executor.Kind
	Shape         admission.OperationShape
	Timeout       time.Duration
	Config        []byte
	ScheduledTime time.Time
	// Priority 1-10; zero derives it from the tenant's scheduling class.
	Priority int
	// EstimatedCostUnits is checked against the tier's cost cap.
	EstimatedCostUnits int64
}

type SubmitResult struct {
	RunID    string `json:"run_id"`
	QueueID  string `json:"queue_id"`
	Priority int    `json:"priority"`
}

// Submit creates a run, moves it to PENDING and enqueues it
func (o *Orchestrator) Submit(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	if _, err := o.executors.Lookup(input.Kind); err != nil {
		return SubmitResult{}, err
	}

	tier, err := o.tiers.GetTier(ctx, input.TenantID)
	if err != nil {
		return SubmitResult{}, err
	}
	limits, _ := admission.LimitsFor(tier)
	if input.EstimatedCostUnits < 0 {
		return SubmitResult{}, retry.Validationf("estimated cost units must not be negative")
	}
	if !limits.WithinCostCap(input.EstimatedCostUnits) {
		return SubmitResult{}, retry.Validationf("estimated cost of %d units exceeds the %s tier cap of %d",
			input.EstimatedCostUnits, tier, limits.MaxCostUnits)
	}
	priority := input.Priority
	if priority == 0 {
		priority = limits.SchedulingClass.DefaultPriority()
	}

	runID, err := o.runs.Create(ctx, runs.CreateInput{
		TenantID:      input.TenantID,
		ConfigID:      input.ConfigID,
		ScheduledTime: input.ScheduledTime,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	if _, err := o.runs.Transition(ctx, runID, runs.StateScheduled, runs.StatePending); err != nil {
		return SubmitResult{RunID: runID}, err
	}

	payload := Payload{
		RunID:          runID,
		ConfigID:       input.ConfigID,
		Kind:           input.Kind,
		Shape:          input.Shape,
		TimeoutSeconds: int(input.Timeout / time.Second),
		Config:         input.Config,
	}
	res, err := o.queue.Enqueue(ctx, taskqueue.EnqueueInput{
		TenantID: input.TenantID,
		Config:   payload,
		Priority: priority,
		QueueID:  QueueIDFor(runID, 0),
	})
	if err != nil {
		if _, markErr := o.runs.MarkFailed(ctx, runID, err, false); markErr != nil {
			o.logger.Error().Err(markErr).Str("run_id", runID).Msg("Failed to fail unqueued run")
		}
		return SubmitResult{RunID: runID}, err
	}

	o.logger.Info().
		Str("tenant_id", input.TenantID).
		Str("run_id", runID).
		Str("queue_id", res.QueueID).
		Int("priority", priority).
		Msg("Run submitted")
	return SubmitResult{RunID: runID, QueueID: res.QueueID, Priority: priority}, nil
}

// DispatchRetries enqueues PENDING runs whose next_retry_time has passed
// and marks each attempt dispatched, so unclaimed retries do not occupy
// later batches. Queue ids derive from (run, attempt), so overlapping
// ticks never insert the same attempt twice. Returns the number of items
// inserted.
func (o *Orchestrator) DispatchRetries(ctx context.Context, now time.Time) (int, error) {
	due, err := o.runs.ListDueRetries(ctx, now, o.config.RetryBatchSize)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, run := range due {
		priority := taskqueue.DefaultPriority
		if tier, err := o.tiers.GetTier(ctx, run.TenantID); err == nil {
			limits, _ := admission.LimitsFor(tier)
			priority = limits.SchedulingClass.DefaultPriority()
		}

		payload, err := o.retryPayload(ctx, run)
		if err != nil {
			o.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Cannot rebuild retry payload")
			continue
		}

		res, err := o.queue.Enqueue(ctx, taskqueue.EnqueueInput{
			TenantID: run.TenantID,
			Config:   payload,
			Priority: priority,
			QueueID:  QueueIDFor(run.RunID, run.AttemptCount),
		})
		if err != nil {
			return inserted, fmt.Errorf("dispatch retry for run %s: %w", run.RunID, err)
		}
		// an existing item from an earlier tick still counts as dispatched
		if _, err := o.runs.MarkRetryDispatched(ctx, run.RunID, run.AttemptCount); err != nil {
			return inserted, err
		}
		if res.Inserted {
			inserted++
			o.logger.Info().
				Str("run_id", run.RunID).
				Int("attempt", run.AttemptCount+1).
				Msg("Retry dispatched")
		}
	}
	return inserted, nil
}

// retryPayload reuses the payload of the run's first queue item
func (o *Orchestrator) retryPayload(ctx context.Context, run runs.Run) (Payload, error) {
	item, err := o.queue.Get(ctx, QueueIDFor(run.RunID, 0))
	if err != nil {
		return Payload{}, err
	}
	return DecodePayload(item.Config)
}
