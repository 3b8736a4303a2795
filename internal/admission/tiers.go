package admission

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// SchedulingClass hints how latency-sensitive a tier's work is
type SchedulingClass string

const (
	Interactive SchedulingClass = "INTERACTIVE"
	Batch       SchedulingClass = "BATCH"
)

// Subscription tiers
const (
	TierFree         = "free"
	TierStarter      = "starter"
	TierProfessional = "professional"
	TierScale        = "scale"
	TierEnterprise   = "enterprise"
)

// TierLimits is the immutable resource ceiling of a subscription tier
type TierLimits struct {
	MaxConcurrentOperations int             `json:"max_concurrent_operations"`
	OperationTimeout        time.Duration   `json:"operation_timeout"`
	MaxCostUnits            int64           `json:"max_cost_units"` // 0 = unlimited
	SchedulingClass         SchedulingClass `json:"scheduling_class"`
}

var tierTable = map[string]TierLimits{
	TierFree:         {MaxConcurrentOperations: 1, OperationTimeout: 30 * time.Second, MaxCostUnits: 1_000, SchedulingClass: Batch},
	TierStarter:      {MaxConcurrentOperations: 2, OperationTimeout: 120 * time.Second, MaxCostUnits: 10_000, SchedulingClass: Batch},
	TierProfessional: {MaxConcurrentOperations: 5, OperationTimeout: 300 * time.Second, MaxCostUnits: 100_000, SchedulingClass: Interactive},
	TierScale:        {MaxConcurrentOperations: 10, OperationTimeout: 600 * time.Second, SchedulingClass: Interactive},
	TierEnterprise:   {MaxConcurrentOperations: 25, OperationTimeout: 1800 * time.Second, SchedulingClass: Interactive},
}

// LimitsFor returns the limits for tier. Unknown tiers get the free
// tier's limits and ok=false.
func LimitsFor(tier string) (TierLimits, bool) {
	limits, ok := tierTable[normalizeTier(tier)]
	if !ok {
		return tierTable[TierFree], false
	}
	return limits, true
}

// normalizeTier folds billing-system tier names ("Professional",
// full-width or padded variants) onto the table keys
func normalizeTier(tier string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(tier)))
}

// Tiers returns the known tier names, smallest first
func Tiers() []string {
	return []string{TierFree, TierStarter, TierProfessional, TierScale, TierEnterprise}
}

// DefaultPriority maps a scheduling class to a queue priority
func (c SchedulingClass) DefaultPriority() int {
	if c == Interactive {
		return 3
	}
	return 5
}

// WithinCostCap reports whether units fit under the tier's cost cap
func (l TierLimits) WithinCostCap(units int64) bool {
	return l.MaxCostUnits == 0 || units <= l.MaxCostUnits
}

// OperationShape classifies how heavy an operation is
type OperationShape string

const (
	ShapeRead  OperationShape = "read"
	ShapeWrite OperationShape = "write"
	ShapeHeavy OperationShape = "heavy"
)

var shapeDefaults = map[OperationShape]time.Duration{
	ShapeRead:  30 * time.Second,
	ShapeWrite: 120 * time.Second,
	ShapeHeavy: 300 * time.Second,
}

// DefaultTimeout returns the shape's default; unknown shapes are treated
// as writes.
func (s OperationShape) DefaultTimeout() time.Duration {
	if d, ok := shapeDefaults[s]; ok {
		return d
	}
	return shapeDefaults[ShapeWrite]
}

var (
	heavyPattern = regexp.MustCompile(`(?i)\b(join|group\s+by|window|union|merge)\b`)
	writePattern = regexp.MustCompile(`(?i)^\s*(insert|update|delete|create|alter|drop|truncate|copy)\b`)
)

// ClassifyStatement guesses the shape of a warehouse statement
func ClassifyStatement(sql string) OperationShape {
	switch {
	case heavyPattern.MatchString(sql):
		return ShapeHeavy
	case writePattern.MatchString(sql):
		return ShapeWrite
	default:
		return ShapeRead
	}
}
