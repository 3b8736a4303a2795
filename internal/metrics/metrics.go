// Package metrics exposes the control plane's Prometheus series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queueDequeues counts dequeue attempts by outcome.
	queueDequeues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_queue_dequeues_total",
		Help: "Total number of dequeue attempts by result",
	}, []string{"result"}) // result: claimed, empty, error

	// queueDepth tracks the queue by status as last observed.
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_queue_depth",
		Help: "Number of queue items by status",
	}, []string{"status"})

	// queueWait tracks time between enqueue and claim.
	queueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_queue_wait_seconds",
		Help:    "Time items spent queued before being claimed",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	lockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_lock_acquisitions_total",
		Help: "Total number of execution lock acquisitions by result",
	}, []string{"result"}) // result: granted, held, failed_open, error

	lockReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_lock_releases_total",
		Help: "Total number of execution lock releases by result",
	}, []string{"result"}) // result: released, not_owner, error

	admissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_admission_decisions_total",
		Help: "Total number of admission decisions by tier and result",
	}, []string{"tier", "result"}) // result: admitted, denied, error

	runTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_run_transitions_total",
		Help: "Total number of run state transitions",
	}, []string{"to"})

	// runDuration tracks execution time of finished runs.
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_run_duration_seconds",
		Help:    "Execution time of pipeline runs by outcome",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"outcome"})

	retriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_retries_scheduled_total",
		Help: "Total number of run retries scheduled by error class",
	}, []string{"class"})

	// recoveryCorrections counts rows fixed by the maintenance jobs.
	recoveryCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_recovery_corrections_total",
		Help: "Total number of records corrected by maintenance jobs",
	}, []string{"kind"}) // kind: stale_run, stale_queue_item, quota_row

	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_maintenance_job_runs_total",
		Help: "Total number of maintenance job ticks by job and result",
	}, []string{"job", "result"}) // result: ok, skipped, locked, error

	workersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_workers_busy",
		Help: "Number of worker goroutines currently processing an item",
	})
)

// Recorder provides methods to record control plane metrics.
// The zero value and a nil *Recorder are both usable.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordDequeue records the outcome of one dequeue attempt.
func (m *Recorder) RecordDequeue(result string) {
	queueDequeues.WithLabelValues(result).Inc()
}

// RecordQueueWait records how long a claimed item waited.
func (m *Recorder) RecordQueueWait(wait time.Duration) {
	queueWait.Observe(wait.Seconds())
}

// SetQueueDepth sets the observed queued and processing counts.
func (m *Recorder) SetQueueDepth(queued, processing int) {
	queueDepth.WithLabelValues("queued").Set(float64(queued))
	queueDepth.WithLabelValues("processing").Set(float64(processing))
}

// RecordLockAcquire records an execution lock acquisition.
func (m *Recorder) RecordLockAcquire(result string) {
	lockAcquisitions.WithLabelValues(result).Inc()
}

// RecordLockRelease records an execution lock release.
func (m *Recorder) RecordLockRelease(result string) {
	lockReleases.WithLabelValues(result).Inc()
}

// RecordAdmission records an admission decision for a tier.
func (m *Recorder) RecordAdmission(tier, result string) {
	admissionDecisions.WithLabelValues(tier, result).Inc()
}

// RecordTransition records a run entering a state.
func (m *Recorder) RecordTransition(to string) {
	runTransitions.WithLabelValues(to).Inc()
}

// RecordTransitions records n runs entering a state.
func (m *Recorder) RecordTransitions(to string, n int) {
	if n <= 0 {
		return
	}
	runTransitions.WithLabelValues(to).Add(float64(n))
}

// RecordRunDuration records the execution time of a finished run.
func (m *Recorder) RecordRunDuration(outcome string, d time.Duration) {
	runDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordRetryScheduled records a retry being scheduled.
func (m *Recorder) RecordRetryScheduled(class string) {
	retriesScheduled.WithLabelValues(class).Inc()
}

// RecordCorrections adds n corrected records of the given kind.
func (m *Recorder) RecordCorrections(kind string, n int) {
	if n <= 0 {
		return
	}
	recoveryCorrections.WithLabelValues(kind).Add(float64(n))
}

// RecordJob records a maintenance job tick.
func (m *Recorder) RecordJob(job, result string) {
	jobRuns.WithLabelValues(job, result).Inc()
}

// WorkerBusy adjusts the busy worker gauge by delta.
func (m *Recorder) WorkerBusy(delta int) {
	workersBusy.Add(float64(delta))
}
