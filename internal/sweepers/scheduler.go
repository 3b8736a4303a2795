// Package sweepers runs the periodic maintenance jobs of the control plane
// on a cron schedule. Every tick is guarded by an execution lock so only
// one process in the pool runs it.
package sweepers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/costlens/pipeline-service/internal/lock"
	"github.com/costlens/pipeline-service/internal/metrics"
)

// SystemTenant is the reserved tenant id the job guard locks live under
const SystemTenant = "_system"

// Locker is the execution lock manager
type Locker interface {
	Acquire(ctx context.Context, tenantID, pipelineID, executionID, holder string) (lock.AcquireResult, error)
	Release(ctx context.Context, tenantID, pipelineID, executionID string) (bool, error)
}

// Job is one scheduled maintenance task. Spec is a six-field cron
// expression (with seconds) evaluated in UTC.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context, now time.Time) error
}

// ErrUnknownJob is returned by RunNow for unregistered job names
var ErrUnknownJob = errors.New("unknown job")

// Scheduler runs registered jobs on their schedules
type Scheduler struct {
	cron    *cron.Cron
	locks   Locker
	holder  string
	metrics *metrics.Recorder
	logger  *zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[string]Job
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. holder identifies this process in guard locks.
func New(locks Locker, holder string, recorder *metrics.Recorder, logger *zerolog.Logger) *Scheduler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	cronLog := cronLogger{logger: logger}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		locks:   locks,
		holder:  holder,
		metrics: recorder,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		jobs:    make(map[string]Job),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Register adds a job to the schedule
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}
	if job.Timeout <= 0 {
		job.Timeout = 10 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	_, err := s.cron.AddFunc(job.Spec, func() {
		if _, err := s.runGuarded(s.baseCtx, job); err != nil {
			s.logger.Error().Err(err).Str("job", job.Name).Msg("Scheduled job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Spec, job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Starting maintenance scheduler")
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done,
// after which their contexts are cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("Maintenance jobs still running at shutdown, cancelling")
		s.cancel()
		<-done.Done()
	}
	s.cancel()
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

// RunNow runs a registered job immediately under its guard lock. It
// reports false when another process held the guard.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.runGuarded(ctx, job)
}

// runGuarded runs job while holding the _system lock named after it
func (s *Scheduler) runGuarded(ctx context.Context, job Job) (bool, error) {
	executionID := uuid.NewString()
	log := s.logger.With().Str("job", job.Name).Str("execution_id", executionID).Logger()

	res, err := s.locks.Acquire(ctx, SystemTenant, job.Name, executionID, s.holder)
	if err != nil {
		s.metrics.RecordJob(job.Name, "error")
		return false, fmt.Errorf("failed to acquire guard for %s: %w", job.Name, err)
	}
	if !res.Granted {
		log.Debug().Str("holder_execution", res.ExistingExecutionID).Msg("Job already running elsewhere, skipping tick")
		s.metrics.RecordJob(job.Name, "skipped")
		return false, nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, err := s.locks.Release(relCtx, SystemTenant, job.Name, executionID); err != nil {
			log.Error().Err(err).Msg("Failed to release job guard")
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(jobCtx, s.now()); err != nil {
		s.metrics.RecordJob(job.Name, "error")
		return true, err
	}
	s.metrics.RecordJob(job.Name, "ok")
	log.Debug().Dur("duration", time.Since(start)).Msg("Job finished")
	return true, nil
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger *zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
