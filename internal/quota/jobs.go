// Package quota maintains the per-tenant daily usage rows: scheduled
// resets, stale-execution recovery, and the optimistic run counters.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/costlens/pipeline-service/internal/database"
	"github.com/costlens/pipeline-service/internal/metrics"
)

// RunStore is the part of the run store recovery needs
type RunStore interface {
	FailStale(ctx context.Context, cutoff time.Time, message string) (int, error)
	LiveCounts(ctx context.Context, cutoff time.Time) (map[string]int, error)
}

// QueueStore is the part of the work queue recovery needs
type QueueStore interface {
	FailStale(ctx context.Context, cutoff time.Time, message string) (int, error)
}

// SlotStore is a store-backed admission gate. A worker that crashes while
// holding a slot leaves its counter raised until recovery lowers it.
type SlotStore interface {
	Reconcile(ctx context.Context, live map[string]int) (int, error)
}

// Config holds recovery settings
type Config struct {
	StaleThreshold time.Duration
	// LookbackDays is how many calendar days, today included, are
	// reconciled.
	LookbackDays int
}

// DefaultConfig returns the default recovery settings
func DefaultConfig() Config {
	return Config{
		StaleThreshold: time.Hour,
		LookbackDays:   3,
	}
}

// ResetResult reports a daily or monthly reset
type ResetResult struct {
	Day     time.Time `json:"day"`
	Rows    int       `json:"rows"`
	Skipped bool      `json:"skipped"`
	Reason  string    `json:"reason,omitempty"`
}

// RecoveryResult reports one stale-recovery sweep
type RecoveryResult struct {
	StaleRuns          int `json:"stale_runs"`
	StaleQueueItems    int `json:"stale_queue_items"`
	QuotaRowsCorrected int `json:"quota_rows_corrected"`
	SlotsCorrected     int `json:"slots_corrected"`
}

// Changed reports whether the sweep modified anything
func (r RecoveryResult) Changed() bool {
	return r.StaleRuns+r.StaleQueueItems+r.QuotaRowsCorrected+r.SlotsCorrected > 0
}

// Jobs runs the quota maintenance jobs
type Jobs struct {
	db      database.DB
	runs    RunStore
	queue   QueueStore
	slots   SlotStore
	config  Config
	metrics *metrics.Recorder
	logger  *zerolog.Logger
}

func NewJobs(db database.DB, runs RunStore, queue QueueStore, config Config, recorder *metrics.Recorder, logger *zerolog.Logger) *Jobs {
	if config.StaleThreshold <= 0 {
		config.StaleThreshold = DefaultConfig().StaleThreshold
	}
	if config.LookbackDays < 1 {
		config.LookbackDays = DefaultConfig().LookbackDays
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Jobs{
		db:      db,
		runs:    runs,
		queue:   queue,
		config:  config,
		metrics: recorder,
		logger:  logger,
	}
}

// WithSlots makes stale recovery reconcile a store-backed admission gate
func (j *Jobs) WithSlots(slots SlotStore) *Jobs {
	j.slots = slots
	return j
}

type eligibleTenant struct {
	id              string
	dailyLimit      int
	monthlyLimit    int
	concurrentLimit int
}

// DailyReset creates or resets day's usage row for every active tenant
// with an active or trial subscription. The monthly run count is carried
// forward from the tenant's latest earlier row in the same month.
func (j *Jobs) DailyReset(ctx context.Context, day time.Time) (ResetResult, error) {
	day = truncateDay(day)
	result := ResetResult{Day: day}

	tenants, err := j.eligibleTenants(ctx)
	if err != nil {
		return result, err
	}
	if len(tenants) == 0 {
		j.logger.Info().Time("day", day).Msg("Daily reset: no eligible tenants")
		return result, nil
	}

	carry, err := j.monthToDate(ctx, day)
	if err != nil {
		return result, err
	}

	batch := &pgx.Batch{}
	for _, t := range tenants {
		batch.Queue(`
			INSERT INTO usage_quotas (
				tenant_id, usage_date, runs_today, runs_failed_today, runs_succeeded_today,
				runs_this_month, concurrent_running, max_concurrent_reached,
				daily_limit, monthly_limit, concurrent_limit, last_updated
			) VALUES ($1, $2::date, 0, 0, 0, $3, 0, 0, $4, $5, $6, NOW())
			ON CONFLICT (tenant_id, usage_date) DO UPDATE
			SET runs_today = 0,
			    runs_failed_today = 0,
			    runs_succeeded_today = 0,
			    runs_this_month = EXCLUDED.runs_this_month,
			    concurrent_running = 0,
			    max_concurrent_reached = 0,
			    daily_limit = EXCLUDED.daily_limit,
			    monthly_limit = EXCLUDED.monthly_limit,
			    concurrent_limit = EXCLUDED.concurrent_limit,
			    last_updated = NOW()
		`, t.id, day, carry[t.id], t.dailyLimit, t.monthlyLimit, t.concurrentLimit)
	}

	br := j.db.SendBatch(ctx, batch)
	defer br.Close()
	for range tenants {
		if _, err := br.Exec(); err != nil {
			return result, fmt.Errorf("daily reset upsert: %w", err)
		}
	}

	result.Rows = len(tenants)
	j.logger.Info().
		Time("day", day).
		Int("tenants", result.Rows).
		Msg("Daily usage reset completed")
	return result, nil
}

// MonthlyReset zeroes the monthly counter on day's rows. It only runs on
// the first day of a month; on any other day it returns a skipped result.
func (j *Jobs) MonthlyReset(ctx context.Context, day time.Time) (ResetResult, error) {
	day = truncateDay(day)
	result := ResetResult{Day: day}

	if day.Day() != 1 {
		result.Skipped = true
		result.Reason = fmt.Sprintf("monthly reset only runs on the 1st, got %s", day.Format(time.DateOnly))
		j.logger.Info().Time("day", day).Msg("Monthly reset skipped")
		return result, nil
	}

	tag, err := j.db.Exec(ctx, `
		UPDATE usage_quotas
		SET runs_this_month = 0, last_updated = NOW()
		WHERE usage_date = $1::date
	`, day)
	if err != nil {
		return result, fmt.Errorf("monthly reset: %w", err)
	}

	result.Rows = int(tag.RowsAffected())
	j.logger.Info().Time("day", day).Int("rows", result.Rows).Msg("Monthly usage reset completed")
	return result, nil
}

// StaleRecovery fails runs and queue items older than the staleness
// threshold, then reconciles concurrent_running on the last LookbackDays
// of usage rows: earlier days go to zero, today goes to the live count.
// With a slot store, leaked admission slots are lowered to the live count.
// Only rows that disagree are written, so repeated sweeps are no-ops.
func (j *Jobs) StaleRecovery(ctx context.Context, now time.Time) (RecoveryResult, error) {
	var result RecoveryResult
	cutoff := now.Add(-j.config.StaleThreshold)
	message := fmt.Sprintf("execution timed out: no completion within %s", j.config.StaleThreshold)

	n, err := j.runs.FailStale(ctx, cutoff, message)
	if err != nil {
		return result, err
	}
	result.StaleRuns = n
	j.metrics.RecordCorrections("stale_run", n)

	if j.queue != nil {
		n, err = j.queue.FailStale(ctx, cutoff, message)
		if err != nil {
			return result, err
		}
		result.StaleQueueItems = n
		j.metrics.RecordCorrections("stale_queue_item", n)
	}

	live, err := j.runs.LiveCounts(ctx, cutoff)
	if err != nil {
		return result, err
	}

	corrected, err := j.reconcileConcurrent(ctx, truncateDay(now), live)
	if err != nil {
		return result, err
	}
	result.QuotaRowsCorrected = corrected
	j.metrics.RecordCorrections("quota_row", corrected)

	if j.slots != nil {
		n, err = j.slots.Reconcile(ctx, live)
		if err != nil {
			return result, err
		}
		result.SlotsCorrected = n
		j.metrics.RecordCorrections("admission_slot", n)
	}

	if result.Changed() {
		j.logger.Info().
			Int("stale_runs", result.StaleRuns).
			Int("stale_queue_items", result.StaleQueueItems).
			Int("quota_rows_corrected", result.QuotaRowsCorrected).
			Int("slots_corrected", result.SlotsCorrected).
			Msg("Stale recovery corrected state")
	}
	return result, nil
}

type quotaRow struct {
	tenantID string
	day      time.Time
	running  int
}

func (j *Jobs) reconcileConcurrent(ctx context.Context, today time.Time, live map[string]int) (int, error) {
	from := today.AddDate(0, 0, -(j.config.LookbackDays - 1))

	rows, err := j.db.Query(ctx, `
		SELECT tenant_id, usage_date, concurrent_running
		FROM usage_quotas
		WHERE usage_date BETWEEN $1::date AND $2::date
	`, from, today)
	if err != nil {
		return 0, fmt.Errorf("read usage rows: %w", err)
	}

	var fixes []quotaRow
	for rows.Next() {
		var r quotaRow
		if err := rows.Scan(&r.tenantID, &r.day, &r.running); err != nil {
			rows.Close()
			return 0, err
		}
		want := 0
		if !r.day.Before(today) {
			want = live[r.tenantID]
		}
		if r.running != want {
			fixes = append(fixes, quotaRow{tenantID: r.tenantID, day: r.day, running: want})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(fixes) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, f := range fixes {
		batch.Queue(`
			UPDATE usage_quotas
			SET concurrent_running = $3, last_updated = NOW()
			WHERE tenant_id = $1 AND usage_date = $2::date AND concurrent_running <> $3
		`, f.tenantID, f.day, f.running)
	}

	br := j.db.SendBatch(ctx, batch)
	defer br.Close()

	corrected := 0
	for range fixes {
		tag, err := br.Exec()
		if err != nil {
			return corrected, fmt.Errorf("correct usage row: %w", err)
		}
		corrected += int(tag.RowsAffected())
	}
	return corrected, nil
}

func (j *Jobs) eligibleTenants(ctx context.Context) ([]eligibleTenant, error) {
	rows, err := j.db.Query(ctx, `
		SELECT tenant_id, daily_limit, monthly_limit, concurrent_limit
		FROM tenants
		WHERE status = 'active' AND subscription_status IN ('active', 'trial')
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list eligible tenants: %w", err)
	}
	defer rows.Close()

	var tenants []eligibleTenant
	for rows.Next() {
		var t eligibleTenant
		if err := rows.Scan(&t.id, &t.dailyLimit, &t.monthlyLimit, &t.concurrentLimit); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// monthToDate returns each tenant's latest runs_this_month before day in
// day's month, in one query.
func (j *Jobs) monthToDate(ctx context.Context, day time.Time) (map[string]int, error) {
	monthStart := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)

	rows, err := j.db.Query(ctx, `
		SELECT DISTINCT ON (tenant_id) tenant_id, runs_this_month
		FROM usage_quotas
		WHERE usage_date >= $1::date AND usage_date < $2::date
		ORDER BY tenant_id, usage_date DESC
	`, monthStart, day)
	if err != nil {
		return nil, fmt.Errorf("read month-to-date usage: %w", err)
	}
	defer rows.Close()

	carry := make(map[string]int)
	for rows.Next() {
		var tenantID string
		var n int
		if err := rows.Scan(&tenantID, &n); err != nil {
			return nil, err
		}
		carry[tenantID] = n
	}
	return carry, rows.Err()
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
