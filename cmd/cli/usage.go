package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/costlens/pipeline-service/internal/reports"
)

var (
	usageFrom   string
	usageTo     string
	usageTenant string
	usageOut    string
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Tenant usage reports",
}

var usageExportCmd = needsApp(&cobra.Command{
	Use:     "export",
	Short:   "Export usage quotas and ledger totals to an .xlsx workbook",
	Example: `  pipelinectl usage export --from 2026-04-01 --to 2026-04-30 --out april.xlsx`,
	Args:    cobra.NoArgs,
	RunE:    runUsageExport,
})

func init() {
	today := time.Now().UTC().Format(time.DateOnly)
	usageExportCmd.Flags().StringVar(&usageFrom, "from", today, "first day (YYYY-MM-DD)")
	usageExportCmd.Flags().StringVar(&usageTo, "to", today, "last day (YYYY-MM-DD)")
	usageExportCmd.Flags().StringVar(&usageTenant, "tenant", "", "limit to one tenant")
	usageExportCmd.Flags().StringVarP(&usageOut, "out", "o", "usage.xlsx", "output file")

	usageCmd.AddCommand(usageExportCmd)
	rootCmd.AddCommand(usageCmd)
}

func runUsageExport(cmd *cobra.Command, args []string) error {
	from, err := time.Parse(time.DateOnly, usageFrom)
	if err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	to, err := time.Parse(time.DateOnly, usageTo)
	if err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}

	report, err := reports.LoadUsage(cmd.Context(), ctl.Pool, from, to, usageTenant)
	if err != nil {
		return err
	}

	if err := reports.WriteWorkbookFile(report, usageOut); err != nil {
		return err
	}
	logger.Info().
		Str("file", usageOut).
		Int("quota_rows", len(report.Quotas)).
		Int("ledger_rows", len(report.Ledger)).
		Msg("Usage exported")
	return nil
}
