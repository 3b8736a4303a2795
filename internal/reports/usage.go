// Package reports exports tenant usage to spreadsheets.
package reports

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/costlens/pipeline-service/internal/database"
)

const (
	quotaSheet  = "Quotas"
	ledgerSheet = "Ledger"
)

// QuotaRow is one (tenant, day) usage row
type QuotaRow struct {
	TenantID             string
	Day                  time.Time
	RunsToday            int
	RunsSucceeded        int
	RunsFailed           int
	RunsThisMonth        int
	ConcurrentRunning    int
	MaxConcurrentReached int
	DailyLimit           int
	MonthlyLimit         int
}

// LedgerRow aggregates usage ledger entries per tenant, day and operation
type LedgerRow struct {
	TenantID       string
	Day            time.Time
	Operation      string
	Operations     int
	UnitsProcessed int64
	Duration       time.Duration
	EstimatedCost  float64
}

// UsageReport covers the days [From, To]
type UsageReport struct {
	From   time.Time
	To     time.Time
	Quotas []QuotaRow
	Ledger []LedgerRow
}

// LoadUsage reads usage for the date range. An empty tenantID covers all
// tenants.
func LoadUsage(ctx context.Context, db database.DB, from, to time.Time, tenantID string) (*UsageReport, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range: %s is before %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	report := &UsageReport{From: from, To: to}

	rows, err := db.Query(ctx, `
		SELECT tenant_id, usage_date, runs_today, runs_succeeded_today, runs_failed_today,
		       runs_this_month, concurrent_running, max_concurrent_reached,
		       daily_limit, monthly_limit
		FROM usage_quotas
		WHERE usage_date BETWEEN $1::date AND $2::date AND ($3 = '' OR tenant_id = $3)
		ORDER BY usage_date, tenant_id
	`, from, to, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage quotas: %w", err)
	}
	for rows.Next() {
		var r QuotaRow
		if err := rows.Scan(&r.TenantID, &r.Day, &r.RunsToday, &r.RunsSucceeded, &r.RunsFailed,
			&r.RunsThisMonth, &r.ConcurrentRunning, &r.MaxConcurrentReached,
			&r.DailyLimit, &r.MonthlyLimit); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan usage quota: %w", err)
		}
		report.Quotas = append(report.Quotas, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage quotas: %w", err)
	}

	rows, err = db.Query(ctx, `
		SELECT tenant_id, (recorded_at AT TIME ZONE 'UTC')::date AS day, operation,
		       COUNT(*), COALESCE(SUM(units_processed), 0)::bigint,
		       COALESCE(SUM(duration_ms), 0)::bigint, COALESCE(SUM(estimated_cost), 0)::float8
		FROM usage_ledger
		WHERE (recorded_at AT TIME ZONE 'UTC')::date BETWEEN $1::date AND $2::date
		  AND ($3 = '' OR tenant_id = $3)
		GROUP BY tenant_id, day, operation
		ORDER BY day, tenant_id, operation
	`, from, to, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage ledger: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r LedgerRow
		var durationMs int64
		if err := rows.Scan(&r.TenantID, &r.Day, &r.Operation, &r.Operations,
			&r.UnitsProcessed, &durationMs, &r.EstimatedCost); err != nil {
			return nil, fmt.Errorf("failed to scan usage ledger: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		report.Ledger = append(report.Ledger, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage ledger: %w", err)
	}
	return report, nil
}

// WriteWorkbookFile writes the workbook to path. A failed close is
// returned since it can leave a truncated file.
func WriteWorkbookFile(report *UsageReport, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteWorkbook(report, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// WriteWorkbook renders the report as an .xlsx workbook with one sheet
// for quota rows and one for ledger aggregates
func WriteWorkbook(report *UsageReport, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", quotaSheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(ledgerSheet); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	quotaRows := [][]interface{}{{
		"tenant_id", "day", "runs", "succeeded", "failed", "runs_this_month",
		"concurrent_running", "max_concurrent", "daily_limit", "monthly_limit",
	}}
	for _, r := range report.Quotas {
		quotaRows = append(quotaRows, []interface{}{
			r.TenantID, r.Day.Format(time.DateOnly), r.RunsToday, r.RunsSucceeded, r.RunsFailed,
			r.RunsThisMonth, r.ConcurrentRunning, r.MaxConcurrentReached, r.DailyLimit, r.MonthlyLimit,
		})
	}
	if err := writeRows(f, quotaSheet, quotaRows, header); err != nil {
		return err
	}

	ledgerRows := [][]interface{}{{
		"tenant_id", "day", "operation", "operations", "units_processed", "duration_seconds", "estimated_cost",
	}}
	for _, r := range report.Ledger {
		ledgerRows = append(ledgerRows, []interface{}{
			r.TenantID, r.Day.Format(time.DateOnly), r.Operation, r.Operations,
			r.UnitsProcessed, r.Duration.Seconds(), r.EstimatedCost,
		})
	}
	if err := writeRows(f, ledgerSheet, ledgerRows, header); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}, headerStyle int) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	if len(rows) > 0 {
		end, err := excelize.CoordinatesToCellName(len(rows[0]), 1)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, "A1", end, headerStyle); err != nil {
			return fmt.Errorf("failed to style %s header: %w", sheet, err)
		}
	}
	return nil
}
