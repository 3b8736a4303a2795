package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/costlens/pipeline-service/internal/runs"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the work queue",
}

var queueStatusCmd = needsApp(&cobra.Command{
	Use:   "status",
	Short: "Show queued and processing counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := ctl.Queue.Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(status)
	},
})

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect execution locks",
}

var lockStatusCmd = needsApp(&cobra.Command{
	Use:   "status <tenant> <pipeline>",
	Short: "Show the live lock of a pipeline",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := ctl.Locks.Status(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if current == nil {
			fmt.Println("not locked")
			return nil
		}
		return printJSON(current)
	},
})

var runsState string
var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline runs",
}

var runsGetCmd = needsApp(&cobra.Command{
	Use:   "get <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := ctl.Runs.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(run)
	},
})

var runsListCmd = needsApp(&cobra.Command{
	Use:   "list <tenant>",
	Short: "List a tenant's most recent runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state := runs.State(runsState)
		if state != "" && !state.Valid() {
			return fmt.Errorf("unknown state %q", runsState)
		}
		list, err := ctl.Runs.ListByTenant(cmd.Context(), args[0], state, runsLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tPIPELINE\tSTATE\tATTEMPTS\tCHANGED\tERROR")
		for _, r := range list {
			errMsg := ""
			if r.ErrorMessage != nil {
				errMsg = *r.ErrorMessage
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				r.RunID, r.ConfigID, r.State, r.AttemptCount,
				r.StateChangedAt.Format(time.RFC3339), errMsg)
		}
		return w.Flush()
	},
})

func init() {
	queueCmd.AddCommand(queueStatusCmd)
	lockCmd.AddCommand(lockStatusCmd)
	runsCmd.AddCommand(runsGetCmd, runsListCmd)
	rootCmd.AddCommand(queueCmd, lockCmd, runsCmd)

	runsListCmd.Flags().StringVar(&runsState, "state", "", "filter by state (SCHEDULED, PENDING, RUNNING, COMPLETED, FAILED)")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list")
}
