package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/costlens/pipeline-service/internal/admission"
	"github.com/costlens/pipeline-service/internal/executor"
	"github.com/costlens/pipeline-service/internal/orchestrator"
)

var (
	submitKind       string
	submitShape      string
	submitTimeout    time.Duration
	submitConfig     string
	submitConfigFile string
	submitPriority   int
	submitAt         string
	submitCostUnits  int64
)

var submitCmd = needsApp(&cobra.Command{
	Use:   "submit <tenant> <pipeline>",
	Short: "Schedule a pipeline run",
	Long: `Create a run for the pipeline and enqueue it. Priority defaults from the
tenant's tier (interactive tiers 3, batch tiers 5).`,
	Example: `  pipelinectl submit acme nightly-sync --kind webhook --config '{"url":"https://etl.internal/run"}'
  pipelinectl submit acme dry-run --kind noop --priority 1`,
	Args: cobra.ExactArgs(2),
	RunE: runSubmit,
})

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitKind, "kind", string(executor.KindNoop), "executor kind (noop, webhook)")
	submitCmd.Flags().StringVar(&submitShape, "shape", "", "operation shape for the default timeout (read, write, heavy)")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "explicit execution timeout")
	submitCmd.Flags().StringVar(&submitConfig, "config-json", "", "executor config as inline JSON")
	submitCmd.Flags().StringVar(&submitConfigFile, "config-file", "", "executor config JSON file")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "queue priority 1 (highest) to 10")
	submitCmd.Flags().StringVar(&submitAt, "scheduled-time", "", "logical schedule time (RFC3339, defaults to now)")
	submitCmd.Flags().Int64Var(&submitCostUnits, "cost-units", 0, "estimated cost units, checked against the tier cap")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	raw, err := executorConfig()
	if err != nil {
		return err
	}

	scheduled := time.Now().UTC()
	if submitAt != "" {
		scheduled, err = time.Parse(time.RFC3339, submitAt)
		if err != nil {
			return fmt.Errorf("invalid --scheduled-time: %w", err)
		}
	}

	res, err := ctl.Orchestrator.Submit(cmd.Context(), orchestrator.SubmitInput{
		TenantID:           args[0],
		ConfigID:           args[1],
		Kind:               executor.Kind(submitKind),
		Shape:              admission.OperationShape(submitShape),
		Timeout:            submitTimeout,
		Config:             raw,
		ScheduledTime:      scheduled,
		Priority:           submitPriority,
		EstimatedCostUnits: submitCostUnits,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func executorConfig() ([]byte, error) {
	switch {
	case submitConfig != "" && submitConfigFile != "":
		return nil, fmt.Errorf("use either --config-json or --config-file")
	case submitConfigFile != "":
		data, err := os.ReadFile(submitConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("%s is not valid JSON", submitConfigFile)
		}
		return data, nil
	case submitConfig != "":
		if !json.Valid([]byte(submitConfig)) {
			return nil, fmt.Errorf("--config-json is not valid JSON")
		}
		return []byte(submitConfig), nil
	}
	return nil, nil
}
