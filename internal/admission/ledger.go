package admission

import (
	"context"
	"fmt"

	"github.com/costlens/pipeline-service/internal/database"
)

// PostgresLedger appends usage records to usage_ledger
type PostgresLedger struct {
	db database.DB
}

// NewPostgresLedger creates a ledger backed by db
func NewPostgresLedger(db database.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Append(ctx context.Context, rec UsageRecord) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO usage_ledger (tenant_id, operation, units_processed, duration_ms, estimated_cost)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.TenantID, rec.Operation, rec.UnitsProcessed, rec.Duration.Milliseconds(), rec.EstimatedCost)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}
