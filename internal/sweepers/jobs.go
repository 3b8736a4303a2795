package sweepers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/costlens/pipeline-service/internal/metrics"
	"github.com/costlens/pipeline-service/internal/quota"
	"github.com/costlens/pipeline-service/internal/taskqueue"
)

// Job names, also used as the pipeline id of their guard locks
const (
	JobDailyReset    = "daily-reset"
	JobMonthlyReset  = "monthly-reset"
	JobStaleRecovery = "stale-recovery"
	JobRetryDispatch = "retry-dispatch"
	JobQueueCleanup  = "queue-cleanup"
	JobQueueDepth    = "queue-depth"
)

// QuotaJobs are the quota and recovery jobs
type QuotaJobs interface {
	DailyReset(ctx context.Context, day time.Time) (quota.ResetResult, error)
	MonthlyReset(ctx context.Context, day time.Time) (quota.ResetResult, error)
	StaleRecovery(ctx context.Context, now time.Time) (quota.RecoveryResult, error)
}

// RetryDispatcher re-enqueues due retries
type RetryDispatcher interface {
	DispatchRetries(ctx context.Context, now time.Time) (int, error)
}

// QueueMaintainer is the queue surface the housekeeping jobs need
type QueueMaintainer interface {
	Status(ctx context.Context) (taskqueue.Status, error)
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
}

// Schedule holds the cron expressions of the standard jobs. An empty
// expression leaves that job unscheduled.
type Schedule struct {
	DailyReset     string
	MonthlyReset   string
	StaleRecovery  string
	RetryDispatch  string
	QueueCleanup   string
	QueueDepth     string
	QueueRetention time.Duration
}

// StandardJobs builds the control plane's maintenance jobs
func StandardJobs(schedule Schedule, jobs QuotaJobs, dispatcher RetryDispatcher, queue QueueMaintainer, recorder *metrics.Recorder, logger *zerolog.Logger) []Job {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	retention := schedule.QueueRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}

	all := []Job{
		{
			Name: JobDailyReset,
			Spec: schedule.DailyReset,
			Run: func(ctx context.Context, now time.Time) error {
				_, err := jobs.DailyReset(ctx, now)
				return err
			},
		},
		{
			Name: JobMonthlyReset,
			Spec: schedule.MonthlyReset,
			Run: func(ctx context.Context, now time.Time) error {
				_, err := jobs.MonthlyReset(ctx, now)
				return err
			},
		},
		{
			Name: JobStaleRecovery,
			Spec: schedule.StaleRecovery,
			Run: func(ctx context.Context, now time.Time) error {
				_, err := jobs.StaleRecovery(ctx, now)
				return err
			},
		},
		{
			Name:    JobRetryDispatch,
			Spec:    schedule.RetryDispatch,
			Timeout: time.Minute,
			Run: func(ctx context.Context, now time.Time) error {
				n, err := dispatcher.DispatchRetries(ctx, now)
				if n > 0 {
					logger.Info().Int("dispatched", n).Msg("Dispatched due retries")
				}
				return err
			},
		},
		{
			Name: JobQueueCleanup,
			Spec: schedule.QueueCleanup,
			Run: func(ctx context.Context, now time.Time) error {
				n, err := queue.Cleanup(ctx, now.Add(-retention))
				if err != nil {
					return fmt.Errorf("queue cleanup: %w", err)
				}
				if n > 0 {
					logger.Info().Int("deleted", n).Msg("Cleaned up finished queue items")
				}
				return nil
			},
		},
		{
			Name:    JobQueueDepth,
			Spec:    schedule.QueueDepth,
			Timeout: 30 * time.Second,
			Run: func(ctx context.Context, _ time.Time) error {
				status, err := queue.Status(ctx)
				if err != nil {
					return err
				}
				recorder.SetQueueDepth(status.Queued, status.Processing)
				return nil
			},
		},
	}

	scheduled := all[:0]
	for _, job := range all {
		if job.Spec != "" {
			scheduled = append(scheduled, job)
		}
	}
	return scheduled
}
