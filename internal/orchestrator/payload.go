package orchestrator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/costlens/pipeline-service/internal/admission"
	"github.com/costlens/pipeline-service/internal/executor"
	"github.com/costlens/pipeline-service/internal/retry"
)

// queueNamespace scopes deterministic queue ids
var queueNamespace = uuid.MustParse("6f1c8f0e-3b7a-5d2c-9e41-0a7b5c3d2e19")

// Payload is the queue item config of a pipeline run
type Payload struct {
	RunID          string                   `json:"run_id" jsonschema:"required"`
	ConfigID       string                   `json:"config_id" jsonschema:"required"`
	Kind           executor.Kind            `json:"kind" jsonschema:"required,enum=noop,enum=webhook"`
	Shape          admission.OperationShape `json:"shape,omitempty" jsonschema:"enum=read,enum=write,enum=heavy"`
	TimeoutSeconds int                      `json:"timeout_seconds,omitempty" jsonschema:"minimum=0"`
	Config         json.RawMessage          `json:"config,omitempty"`
}

// Timeout returns the explicit timeout, zero when unset
func (p Payload) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// stepStatement is the part of a step config that reveals its shape
type stepStatement struct {
	Statement string `json:"statement"`
}

// ResolvedShape returns the declared shape or, when none was declared,
// the shape of the step's SQL statement. Empty when neither is known.
func (p Payload) ResolvedShape() admission.OperationShape {
	if p.Shape != "" {
		return p.Shape
	}
	var step stepStatement
	if len(p.Config) == 0 || json.Unmarshal(p.Config, &step) != nil {
		return ""
	}
	if strings.TrimSpace(step.Statement) == "" {
		return ""
	}
	return admission.ClassifyStatement(step.Statement)
}

// DecodePayload parses and validates a queue item config
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, retry.Validation(fmt.Errorf("malformed run payload: %w", err))
	}
	if p.RunID == "" || p.ConfigID == "" || p.Kind == "" {
		return p, retry.Validationf("run payload requires run_id, config_id and kind")
	}
	if p.TimeoutSeconds < 0 {
		return p, retry.Validationf("timeout_seconds must not be negative")
	}
	return p, nil
}

// QueueIDFor derives the queue id of a run's attempt so repeated enqueues
// of the same attempt collapse into one item.
func QueueIDFor(runID string, attempt int) string {
	return uuid.NewSHA1(queueNamespace, []byte(runID+":"+strconv.Itoa(attempt))).String()
}
