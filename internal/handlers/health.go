// Package handlers implements the read-only ops API of the pipeline
// service.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Pinger checks connectivity to a backing store
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// HealthCheck reports database and coordination store connectivity.
// Redis being down degrades but does not fail the check when the lock
// manager fails open.
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	response := HealthResponse{Status: "ok"}
	status := http.StatusOK

	response.Database = pingStatus(ctx, h.db)
	if response.Database == "disconnected" {
		response.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	response.Redis = pingStatus(ctx, h.redis)
	if response.Redis == "disconnected" && response.Status == "ok" {
		response.Status = "degraded"
	}

	c.JSON(status, response)
}

func pingStatus(ctx context.Context, p Pinger) string {
	if p == nil {
		return "not configured"
	}
	if err := p.Ping(ctx); err != nil {
		return "disconnected"
	}
	return "connected"
}
