package quota

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/costlens/pipeline-service/internal/database"
)

// Counters does the optimistic bookkeeping on today's usage row while
// runs execute. Failures are logged; StaleRecovery repairs drift.
type Counters struct {
	db     database.DB
	logger *zerolog.Logger
	now    func() time.Time
}

func NewCounters(db database.DB, logger *zerolog.Logger) *Counters {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Counters{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// RunStarted counts a run starting for tenantID today
func (c *Counters) RunStarted(ctx context.Context, tenantID string) {
	today := truncateDay(c.now())

	// A missing row (before the daily reset ran) is created with the
	// month-to-date count carried from the latest earlier row.
	_, err := c.db.Exec(ctx, `
		INSERT INTO usage_quotas (
			tenant_id, usage_date, runs_today, runs_this_month,
			concurrent_running, max_concurrent_reached, last_updated
		) VALUES (
			$1, $2::date, 1,
			1 + COALESCE((
				SELECT runs_this_month FROM usage_quotas
				WHERE tenant_id = $1 AND usage_date < $2::date
				  AND usage_date >= date_trunc('month', $2::date)::date
				ORDER BY usage_date DESC LIMIT 1
			), 0),
			1, 1, NOW()
		)
		ON CONFLICT (tenant_id, usage_date) DO UPDATE
		SET runs_today = usage_quotas.runs_today + 1,
		    runs_this_month = usage_quotas.runs_this_month + 1,
		    concurrent_running = usage_quotas.concurrent_running + 1,
		    max_concurrent_reached = GREATEST(usage_quotas.max_concurrent_reached, usage_quotas.concurrent_running + 1),
		    last_updated = NOW()
	`, tenantID, today)
	if err != nil {
		c.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to count run start")
	}
}

// RunFinished counts a run ending for tenantID today
func (c *Counters) RunFinished(ctx context.Context, tenantID string, succeeded bool) {
	today := truncateDay(c.now())

	succeededInc, failedInc := 0, 1
	if succeeded {
		succeededInc, failedInc = 1, 0
	}

	_, err := c.db.Exec(ctx, `
		INSERT INTO usage_quotas (
			tenant_id, usage_date, runs_succeeded_today, runs_failed_today, last_updated
		) VALUES ($1, $2::date, $3, $4, NOW())
		ON CONFLICT (tenant_id, usage_date) DO UPDATE
		SET concurrent_running = GREATEST(usage_quotas.concurrent_running - 1, 0),
		    runs_succeeded_today = usage_quotas.runs_succeeded_today + $3,
		    runs_failed_today = usage_quotas.runs_failed_today + $4,
		    last_updated = NOW()
	`, tenantID, today, succeededInc, failedInc)
	if err != nil {
		c.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to count run finish")
	}
}
