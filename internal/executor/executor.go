// Package executor holds the pipeline step executors a run can invoke,
// selected by kind through a static registry.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/costlens/pipeline-service/internal/retry"
)

type Kind string

const (
	KindNoop    Kind = "noop"
	KindWebhook Kind = "webhook"
)

// Request is everything an executor knows about the attempt it runs
type Request struct {
	RunID       string          `json:"run_id"`
	TenantID    string          `json:"tenant_id"`
	ConfigID    string          `json:"config_id"`
	ExecutionID string          `json:"pipeline_logging_id"`
	Attempt     int             `json:"attempt"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// Result is what an executor reports back
type Result struct {
	Status         string        `json:"status"`
	Duration       time.Duration `json:"-"`
	UnitsProcessed int64         `json:"units_processed"`
	EstimatedCost  float64       `json:"estimated_cost"`
}

// Executor runs one pipeline attempt. Returned errors should be
// classifiable with retry.Classify.
type Executor interface {
	Kind() Kind
	Execute(ctx context.Context, req Request) (Result, error)
}

// Registry maps kinds to executors. It is built once at startup.
type Registry struct {
	executors map[Kind]Executor
}

// NewRegistry creates a registry. A later executor with the same kind
// replaces an earlier one.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[Kind]Executor, len(executors))}
	for _, e := range executors {
		r.executors[e.Kind()] = e
	}
	return r
}

// Lookup returns the executor for kind. Unknown kinds are a validation error.
func (r *Registry) Lookup(kind Kind) (Executor, error) {
	e, ok := r.executors[kind]
	if !ok {
		return nil, retry.Validationf("unknown executor kind %q", kind)
	}
	return e, nil
}

// Kinds lists registered kinds in sorted order
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func decodeConfig(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return retry.Validation(fmt.Errorf("invalid executor config: %w", err))
	}
	return nil
}
