package main

import (
	"github.com/spf13/cobra"

	"github.com/costlens/pipeline-service/internal/database"
)

var migrateCmd = needsApp(&cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long:  `Create the control plane tables and indexes. Safe to run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.Migrate(cmd.Context(), ctl.Pool); err != nil {
			return err
		}
		logger.Info().Msg("Schema applied")
		return nil
	},
})

func init() {
	rootCmd.AddCommand(migrateCmd)
}
