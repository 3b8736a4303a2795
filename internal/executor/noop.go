package executor

import (
	"context"
	"time"

	"github.com/costlens/pipeline-service/internal/retry"
)

// noopConfig lets dry runs simulate work and failures
type noopConfig struct {
	SimulateMs int    `json:"simulate_ms"`
	FailWith   string `json:"fail_with"`
}

// Noop is a dry-run executor
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Kind() Kind {
	return KindNoop
}

func (n *Noop) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	var cfg noopConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return Result{}, err
	}

	if cfg.SimulateMs > 0 {
		timer := time.NewTimer(time.Duration(cfg.SimulateMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	if cfg.FailWith != "" {
		return Result{}, &retry.ClassifiedError{
			Class: retry.ParseErrorClass(cfg.FailWith),
			Err:   errSimulated(cfg.FailWith),
		}
	}

	return Result{Status: "dry_run", Duration: time.Since(start)}, nil
}

type errSimulated string

func (e errSimulated) Error() string {
	return "simulated " + string(e) + " failure"
}
