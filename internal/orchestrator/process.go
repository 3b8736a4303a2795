package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/costlens/pipeline-service/internal/admission"
	"github.com/costlens/pipeline-service/internal/executor"
	"github.com/costlens/pipeline-service/internal/retry"
	"github.com/costlens/pipeline-service/internal/runs"
	"github.com/costlens/pipeline-service/internal/taskqueue"
)

// Outcome is what happened to a claimed queue item
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeFailed         Outcome = "failed"
	OutcomeAlreadyRunning Outcome = "already_running"
	OutcomeRequeued       Outcome = "requeued"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeRejected       Outcome = "rejected"
)

// Process executes one claimed queue item and always leaves it terminal.
// Order: lock, tier, admission, RUNNING, execute, release slot, release
// lock, record the outcome.
func (o *Orchestrator) Process(ctx context.Context, workerID string, item *taskqueue.Item) Outcome {
	log := o.logger.With().
		Str("worker_id", workerID).
		Str("queue_id", item.QueueID).
		Str("tenant_id", item.TenantID).
		Logger()

	payload, err := DecodePayload(item.Config)
	if err != nil {
		log.Error().Err(err).Msg("Rejecting malformed queue item")
		if payload.RunID != "" {
			o.failRun(ctx, &log, payload.RunID, err, false)
		}
		o.finishItem(ctx, &log, item, err)
		return OutcomeRejected
	}
	log = log.With().Str("run_id", payload.RunID).Logger()

	exec, err := o.executors.Lookup(payload.Kind)
	if err != nil {
		o.failRun(ctx, &log, payload.RunID, err, false)
		o.finishItem(ctx, &log, item, err)
		return OutcomeRejected
	}

	run, err := o.runs.Get(ctx, payload.RunID)
	if errors.Is(err, runs.ErrNotFound) {
		log.Warn().Msg("Queue item references unknown run")
		o.finishItem(ctx, &log, item, err)
		return OutcomeRejected
	}
	if err != nil {
		return o.requeue(ctx, &log, item, payload, err)
	}
	if run.State != runs.StatePending {
		log.Info().Str("state", string(run.State)).Msg("Run is not pending, dropping queue item")
		o.finishItem(ctx, &log, item, nil)
		return OutcomeSkipped
	}

	executionID := uuid.NewString()
	log = log.With().Str("execution_id", executionID).Logger()

	lockRes, err := o.locks.Acquire(ctx, item.TenantID, payload.ConfigID, executionID, workerID)
	if err != nil {
		return o.requeue(ctx, &log, item, payload, err)
	}
	if !lockRes.Granted {
		cause := &retry.ClassifiedError{
			Class: retry.ClassResourceExhausted,
			Err:   fmt.Errorf("%w (execution %s)", ErrAlreadyRunning, lockRes.ExistingExecutionID),
		}
		if o.requeue(ctx, &log, item, payload, cause) == OutcomeFailed {
			return OutcomeFailed
		}
		return OutcomeAlreadyRunning
	}
	releaseLock := func() {
		fctx, cancel := o.finalizeContext(ctx)
		defer cancel()
		if _, err := o.locks.Release(fctx, item.TenantID, payload.ConfigID, executionID); err != nil {
			log.Error().Err(err).Msg("Failed to release execution lock")
		}
	}

	tier, err := o.tiers.GetTier(ctx, item.TenantID)
	if err != nil {
		releaseLock()
		if retry.Classify(err) == retry.ClassValidation {
			o.failRun(ctx, &log, payload.RunID, err, false)
			o.finishItem(ctx, &log, item, err)
			return OutcomeRejected
		}
		return o.requeue(ctx, &log, item, payload, err)
	}

	admitted, err := o.admission.AcquireSlot(ctx, item.TenantID, tier)
	if err != nil {
		releaseLock()
		return o.requeue(ctx, &log, item, payload, err)
	}
	if !admitted {
		releaseLock()
		return o.requeue(ctx, &log, item, payload, admission.ErrResourceExhausted)
	}
	releaseSlot := func() {
		fctx, cancel := o.finalizeContext(ctx)
		defer cancel()
		o.admission.ReleaseSlot(fctx, item.TenantID)
	}

	started, err := o.runs.MarkRunning(ctx, payload.RunID, executionID)
	if err != nil || !started {
		releaseSlot()
		releaseLock()
		if err != nil {
			return o.requeue(ctx, &log, item, payload, err)
		}
		log.Info().Msg("Run left PENDING before it could start")
		o.finishItem(ctx, &log, item, nil)
		return OutcomeSkipped
	}
	if o.counters != nil {
		o.counters.RunStarted(ctx, item.TenantID)
	}

	timeout := o.admission.ResolveTimeout(payload.ResolvedShape(), payload.Timeout(), tier)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	result, execErr := exec.Execute(execCtx, executor.Request{
		RunID:       payload.RunID,
		TenantID:    item.TenantID,
		ConfigID:    payload.ConfigID,
		ExecutionID: executionID,
		Attempt:     run.AttemptCount + 1,
		Config:      payload.Config,
	})
	cancel()
	duration := time.Since(start)
	if errors.Is(execErr, context.DeadlineExceeded) {
		execErr = retry.Timeout(fmt.Errorf("execution exceeded %s: %w", timeout, execErr))
	}

	releaseSlot()
	releaseLock()

	fctx, fcancel := o.finalizeContext(ctx)
	defer fcancel()

	o.admission.RecordUsage(fctx, admission.UsageRecord{
		TenantID:       item.TenantID,
		Operation:      string(payload.Kind),
		UnitsProcessed: result.UnitsProcessed,
		Duration:       duration,
		EstimatedCost:  result.EstimatedCost,
	})

	if execErr == nil {
		o.metrics.RecordRunDuration("completed", duration)
		if _, err := o.runs.MarkCompleted(fctx, payload.RunID, duration); err != nil {
			log.Error().Err(err).Msg("Failed to mark run completed")
		}
		if o.counters != nil {
			o.counters.RunFinished(fctx, item.TenantID, true)
		}
		o.finishItem(fctx, &log, item, nil)
		log.Info().Dur("duration", duration).Msg("Run completed")
		return OutcomeCompleted
	}

	o.metrics.RecordRunDuration("failed", duration)
	o.failRun(fctx, &log, payload.RunID, execErr, true)
	if o.counters != nil {
		o.counters.RunFinished(fctx, item.TenantID, false)
	}
	o.finishItem(fctx, &log, item, execErr)
	return OutcomeFailed
}

// requeue puts a fresh item for the same run back on the queue after
// RequeueDelay, then completes the claimed one. The run stays PENDING.
func (o *Orchestrator) requeue(ctx context.Context, log *zerolog.Logger, item *taskqueue.Item, payload Payload, cause error) Outcome {
	fctx, cancel := o.finalizeContext(ctx)
	defer cancel()

	_, err := o.queue.Enqueue(fctx, taskqueue.EnqueueInput{
		TenantID:    item.TenantID,
		Config:      payload,
		Priority:    item.Priority,
		AvailableAt: o.now().Add(o.config.RequeueDelay),
	})
	if err != nil {
		// the stale sweep fails the run if nothing picks it up again
		log.Error().Err(err).AnErr("cause", cause).Msg("Failed to requeue run")
		o.finishItem(fctx, log, item, cause)
		return OutcomeFailed
	}

	log.Info().
		Err(cause).
		Str("error_class", string(retry.Classify(cause))).
		Dur("delay", o.config.RequeueDelay).
		Msg("Run requeued")
	o.finishItem(fctx, log, item, nil)
	return OutcomeRequeued
}

func (o *Orchestrator) failRun(ctx context.Context, log *zerolog.Logger, runID string, cause error, shouldRetry bool) {
	res, err := o.runs.MarkFailed(ctx, runID, cause, shouldRetry)
	if err != nil {
		log.Error().Err(err).Msg("Failed to mark run failed")
		return
	}
	event := log.Warn().
		Err(cause).
		Str("error_class", string(retry.Classify(cause))).
		Bool("retry_scheduled", res.Retried)
	if res.Retried {
		event = event.Time("next_retry_time", res.NextRetry)
	}
	event.Msg("Run failed")
}

// finishItem marks the claimed item COMPLETED, or FAILED when cause is set
func (o *Orchestrator) finishItem(ctx context.Context, log *zerolog.Logger, item *taskqueue.Item, cause error) {
	var err error
	if cause == nil {
		_, err = o.queue.MarkCompleted(ctx, item.QueueID)
	} else {
		_, err = o.queue.MarkFailed(ctx, item.QueueID, cause.Error())
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to finish queue item")
	}
}

func (o *Orchestrator) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.config.FinalizeTimeout)
}
