// Package admission gates resource-heavy operations per tenant according
// to the tenant's subscription tier.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/costlens/pipeline-service/internal/metrics"
	"github.com/costlens/pipeline-service/internal/retry"
)

// ErrResourceExhausted is returned by callers that need an error value for
// a denied slot. It classifies as resource_exhausted.
var ErrResourceExhausted = &retry.ClassifiedError{
	Class: retry.ClassResourceExhausted,
	Err:   errors.New("tenant is at its concurrent operation limit"),
}

// UsageRecord is one best-effort cost tracking entry
type UsageRecord struct {
	TenantID       string
	Operation      string
	UnitsProcessed int64
	Duration       time.Duration
	EstimatedCost  float64
}

// Ledger appends usage records
type Ledger interface {
	Append(ctx context.Context, rec UsageRecord) error
}

// Controller enforces tier ceilings before an operation starts
type Controller struct {
	gate    Gate
	ledger  Ledger
	metrics *metrics.Recorder
	logger  *zerolog.Logger
}

// NewController creates a controller. ledger may be nil.
func NewController(gate Gate, ledger Ledger, recorder *metrics.Recorder, logger *zerolog.Logger) *Controller {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Controller{
		gate:    gate,
		ledger:  ledger,
		metrics: recorder,
		logger:  logger,
	}
}

// AcquireSlot takes one concurrency slot for the tenant. A false result
// means the tenant is at its tier ceiling; the caller should requeue the
// work rather than wait.
func (c *Controller) AcquireSlot(ctx context.Context, tenantID, tier string) (bool, error) {
	limits, known := LimitsFor(tier)
	if !known {
		c.logger.Warn().
			Str("tenant_id", tenantID).
			Str("tier", tier).
			Msg("Unknown tier, applying free tier limits")
	}

	granted, err := c.gate.TryAcquire(ctx, tenantID, limits.MaxConcurrentOperations)
	if err != nil {
		c.metrics.RecordAdmission(tier, "error")
		return false, err
	}
	if !granted {
		c.metrics.RecordAdmission(tier, "denied")
		c.logger.Debug().
			Str("tenant_id", tenantID).
			Int("limit", limits.MaxConcurrentOperations).
			Msg("Admission denied")
		return false, nil
	}

	c.metrics.RecordAdmission(tier, "admitted")
	return true, nil
}

// ReleaseSlot gives back a slot. Errors are logged; the counter is
// reconciled by the store or floored at zero.
func (c *Controller) ReleaseSlot(ctx context.Context, tenantID string) {
	if err := c.gate.Release(ctx, tenantID); err != nil {
		c.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to release admission slot")
	}
}

// InFlight returns the tenant's current slot count
func (c *Controller) InFlight(ctx context.Context, tenantID string) (int, error) {
	return c.gate.InFlight(ctx, tenantID)
}

// ResolveTimeout returns the deadline for an operation: the explicit
// timeout when given, else the shape default, capped by the tier ceiling.
func (c *Controller) ResolveTimeout(shape OperationShape, explicit time.Duration, tier string) time.Duration {
	return ResolveTimeout(shape, explicit, tier)
}

// ResolveTimeout is the stateless form of Controller.ResolveTimeout
func ResolveTimeout(shape OperationShape, explicit time.Duration, tier string) time.Duration {
	limits, _ := LimitsFor(tier)

	timeout := explicit
	if timeout <= 0 {
		timeout = shape.DefaultTimeout()
	}
	if timeout > limits.OperationTimeout {
		timeout = limits.OperationTimeout
	}
	return timeout
}

// RecordUsage appends a usage record. Failures are logged and swallowed.
func (c *Controller) RecordUsage(ctx context.Context, rec UsageRecord) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.Append(ctx, rec); err != nil {
		c.logger.Warn().
			Err(err).
			Str("tenant_id", rec.TenantID).
			Str("operation", rec.Operation).
			Msg("Failed to record usage")
	}
}
