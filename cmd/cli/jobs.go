package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/costlens/pipeline-service/internal/sweepers"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run maintenance jobs on demand",
	Long: `Run one maintenance job immediately. The job takes the same guard lock as
its scheduled tick, so it is skipped while a worker is running it.`,
}

func jobCommand(name, short string) *cobra.Command {
	return needsApp(&cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ran, err := ctl.Scheduler.RunNow(cmd.Context(), name)
			if err != nil {
				return err
			}
			if !ran {
				return fmt.Errorf("%s is already running elsewhere", name)
			}
			logger.Info().Str("job", name).Msg("Job finished")
			return nil
		},
	})
}

func init() {
	jobsCmd.AddCommand(
		jobCommand(sweepers.JobDailyReset, "Create today's usage rows"),
		jobCommand(sweepers.JobMonthlyReset, "Reset monthly counters (first of the month only)"),
		jobCommand(sweepers.JobStaleRecovery, "Fail stale runs and reconcile concurrency counters"),
		jobCommand(sweepers.JobRetryDispatch, "Enqueue runs whose retry time has passed"),
		jobCommand(sweepers.JobQueueCleanup, "Delete old finished queue items"),
	)
	rootCmd.AddCommand(jobsCmd)
}
