package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/costlens/pipeline-service/internal/admission"
	"github.com/costlens/pipeline-service/internal/lock"
	"github.com/costlens/pipeline-service/internal/retry"
	"github.com/costlens/pipeline-service/internal/runs"
	"github.com/costlens/pipeline-service/internal/taskqueue"
	"github.com/costlens/pipeline-service/internal/tenants"
)

// QueueReader is the queue surface the API reads
type QueueReader interface {
	Status(ctx context.Context) (taskqueue.Status, error)
	Get(ctx context.Context, queueID string) (*taskqueue.Item, error)
}

// LockReader reads execution locks
type LockReader interface {
	Status(ctx context.Context, tenantID, pipelineID string) (*lock.Lock, error)
}

// RunReader reads runs
type RunReader interface {
	Get(ctx context.Context, runID string) (*runs.Run, error)
	ListByTenant(ctx context.Context, tenantID string, state runs.State, limit int) ([]runs.Run, error)
}

// AdmissionReader reports a tenant's in-flight operations
type AdmissionReader interface {
	InFlight(ctx context.Context, tenantID string) (int, error)
}

// TierSource resolves a tenant's tier
type TierSource interface {
	GetTier(ctx context.Context, tenantID string) (string, error)
}

// Deps are the stores the API reads from. Nil pingers report
// "not configured".
type Deps struct {
	DB        Pinger
	Redis     Pinger
	Queue     QueueReader
	Locks     LockReader
	Runs      RunReader
	Admission AdmissionReader
	Tiers     TierSource
}

type Handlers struct {
	db        Pinger
	redis     Pinger
	queue     QueueReader
	locks     LockReader
	runs      RunReader
	admission AdmissionReader
	tiers     TierSource
	logger    *zerolog.Logger
}

func New(deps Deps, logger *zerolog.Logger) *Handlers {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Handlers{
		db:        deps.DB,
		redis:     deps.Redis,
		queue:     deps.Queue,
		locks:     deps.Locks,
		runs:      deps.Runs,
		admission: deps.Admission,
		tiers:     deps.Tiers,
		logger:    logger,
	}
}

// Register mounts the internal routes on group
func (h *Handlers) Register(group gin.IRouter) {
	group.GET("/health", h.HealthCheck)
	group.GET("/queue/status", h.QueueStatus)
	group.GET("/queue/items/:queueId", h.GetQueueItem)
	group.GET("/locks/:tenantId/:pipelineId", h.GetLock)
	group.GET("/runs/:runId", h.GetRun)
	group.GET("/tenants/:tenantId/runs", h.ListTenantRuns)
	group.GET("/tenants/:tenantId/admission", h.TenantAdmission)
}

// respondError maps classified errors onto HTTP statuses
func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, runs.ErrNotFound), errors.Is(err, taskqueue.ErrNotFound), errors.Is(err, tenants.ErrUnknownTenant):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case retry.Classify(err) == retry.ClassValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, lock.ErrCoordinationUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "coordination store unavailable"})
		return
	}
	h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// QueueStatusResponse is the queue summary
type QueueStatusResponse struct {
	Queued         int       `json:"queued"`
	Processing     int       `json:"processing"`
	AvgWaitSeconds float64   `json:"avg_wait_seconds"`
	ObservedAt     time.Time `json:"observed_at"`
}

// QueueStatus returns queued/processing counts and average wait
func (h *Handlers) QueueStatus(c *gin.Context) {
	status, err := h.queue.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, QueueStatusResponse{
		Queued:         status.Queued,
		Processing:     status.Processing,
		AvgWaitSeconds: status.AvgWaitSeconds,
		ObservedAt:     time.Now().UTC(),
	})
}

func (h *Handlers) GetQueueItem(c *gin.Context) {
	item, err := h.queue.Get(c.Request.Context(), c.Param("queueId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// LockResponse reports whether a pipeline is locked
type LockResponse struct {
	Locked bool       `json:"locked"`
	Lock   *lock.Lock `json:"lock,omitempty"`
}

// GetLock returns the live lock of a pipeline, if any
func (h *Handlers) GetLock(c *gin.Context) {
	current, err := h.locks.Status(c.Request.Context(), c.Param("tenantId"), c.Param("pipelineId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, LockResponse{Locked: current != nil, Lock: current})
}

func (h *Handlers) GetRun(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("runId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListTenantRunsRequest represents query parameters for listing runs
type ListTenantRunsRequest struct {
	State string `form:"state" json:"state" jsonschema:"enum=SCHEDULED,enum=PENDING,enum=RUNNING,enum=COMPLETED,enum=FAILED"`
	Limit int    `form:"limit" json:"limit" binding:"min=0,max=200" jsonschema:"minimum=0,maximum=200"`
}

// ListTenantRunsResponse is a page of runs
type ListTenantRunsResponse struct {
	Runs []runs.Run `json:"runs"`
}

// ListTenantRuns returns a tenant's most recent runs
func (h *Handlers) ListTenantRuns(c *gin.Context) {
	var req ListTenantRunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state := runs.State(req.State)
	if state != "" && !state.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state " + req.State})
		return
	}
	if req.Limit == 0 {
		req.Limit = 50
	}

	list, err := h.runs.ListByTenant(c.Request.Context(), c.Param("tenantId"), state, req.Limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if list == nil {
		list = []runs.Run{}
	}
	c.JSON(http.StatusOK, ListTenantRunsResponse{Runs: list})
}

// TenantAdmissionResponse reports a tenant's admission state
type TenantAdmissionResponse struct {
	TenantID      string `json:"tenant_id"`
	Tier          string `json:"tier"`
	InFlight      int    `json:"in_flight"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// TenantAdmission returns the tenant's tier and in-flight operations
func (h *Handlers) TenantAdmission(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.Param("tenantId")

	tier, err := h.tiers.GetTier(ctx, tenantID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	inFlight, err := h.admission.InFlight(ctx, tenantID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	limits, _ := admission.LimitsFor(tier)
	c.JSON(http.StatusOK, TenantAdmissionResponse{
		TenantID:      tenantID,
		Tier:          tier,
		InFlight:      inFlight,
		MaxConcurrent: limits.MaxConcurrentOperations,
	})
}
