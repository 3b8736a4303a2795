// Package workers runs the polling worker pool that claims queue items and
// hands them to the orchestrator.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/costlens/pipeline-service/internal/metrics"
	"github.com/costlens/pipeline-service/internal/orchestrator"
	"github.com/costlens/pipeline-service/internal/taskqueue"
)

const tracerName = "github.com/costlens/pipeline-service/internal/workers"

// Dequeuer claims queue items
type Dequeuer interface {
	Dequeue(ctx context.Context, workerID string) (*taskqueue.Item, error)
}

// Processor handles one claimed item and leaves it terminal
type Processor interface {
	Process(ctx context.Context, workerID string, item *taskqueue.Item) orchestrator.Outcome
}

type Config struct {
	WorkerID    string
	Concurrency int
	// PollInterval is the idle wait after an empty poll. It doubles on
	// each consecutive empty poll up to MaxPollInterval.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// ShutdownTimeout bounds how long Run waits for in-flight items
	// before cancelling them.
	ShutdownTimeout time.Duration
}

// Pool is a fixed set of polling goroutines
type Pool struct {
	queue     Dequeuer
	processor Processor
	config    Config
	metrics   *metrics.Recorder
	logger    *zerolog.Logger
	tracer    trace.Tracer
}

func New(queue Dequeuer, processor Processor, config Config, recorder *metrics.Recorder, logger *zerolog.Logger) *Pool {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = config.PollInterval
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Pool{
		queue:     queue,
		processor: processor,
		config:    config,
		metrics:   recorder,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight items.
// Items still running after ShutdownTimeout have their context cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().
		Str("component", "worker").
		Str("worker_id", p.config.WorkerID).
		Int("concurrency", p.config.Concurrency).
		Msg("Starting worker pool")

	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	var wg sync.WaitGroup
	for i := 0; i < p.config.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, execCtx, fmt.Sprintf("%s-%d", p.config.WorkerID, n))
		}(i)
	}

	<-ctx.Done()
	p.logger.Info().
		Str("component", "worker").
		Str("worker_id", p.config.WorkerID).
		Msg("Worker pool stopping, waiting for in-flight items")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn().
			Dur("timeout", p.config.ShutdownTimeout).
			Msg("Shutdown timeout reached, cancelling in-flight items")
		cancelExec()
		<-done
	}

	p.logger.Info().
		Str("component", "worker").
		Str("worker_id", p.config.WorkerID).
		Msg("Worker pool stopped")
	return nil
}

// loop claims items until ctx is done. Claimed items run under execCtx
// so a shutdown signal does not abort them mid-flight.
func (p *Pool) loop(ctx, execCtx context.Context, workerID string) {
	wait := p.config.PollInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		claimed, err := p.poll(ctx, execCtx, workerID)
		switch {
		case err != nil:
			p.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to claim queue item")
			wait = p.nextWait(wait)
		case claimed:
			wait = p.config.PollInterval
			timer.Reset(0)
			continue
		default:
			wait = p.nextWait(wait)
		}
		timer.Reset(wait)
	}
}

func (p *Pool) nextWait(current time.Duration) time.Duration {
	next := current * 2
	if next > p.config.MaxPollInterval {
		return p.config.MaxPollInterval
	}
	return next
}

// poll claims and processes at most one item
func (p *Pool) poll(ctx, execCtx context.Context, workerID string) (bool, error) {
	item, err := p.queue.Dequeue(ctx, workerID)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		p.metrics.RecordDequeue("error")
		return false, err
	}
	if item == nil {
		p.metrics.RecordDequeue("empty")
		return false, nil
	}
	p.metrics.RecordDequeue("claimed")
	p.metrics.RecordQueueWait(item.Wait())

	p.process(execCtx, workerID, item)
	return true, nil
}

func (p *Pool) process(ctx context.Context, workerID string, item *taskqueue.Item) {
	p.metrics.WorkerBusy(1)
	defer p.metrics.WorkerBusy(-1)

	ctx, span := p.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("worker.id", workerID),
			attribute.String("queue.id", item.QueueID),
			attribute.String("tenant.id", item.TenantID),
			attribute.Int("queue.priority", item.Priority),
		))
	defer span.End()

	p.logger.Debug().
		Str("component", "worker").
		Str("worker_id", workerID).
		Str("queue_id", item.QueueID).
		Msg("Worker processing item")

	outcome := p.processor.Process(ctx, workerID, item)
	span.SetAttributes(attribute.String("pipeline.outcome", string(outcome)))
	if outcome == orchestrator.OutcomeFailed || outcome == orchestrator.OutcomeRejected {
		span.SetStatus(codes.Error, string(outcome))
	}
}
