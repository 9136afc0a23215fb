// Package health serves the liveness and readiness probe endpoints.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/helios-rt/helios/internal/v1/rooms"
	"github.com/helios-rt/helios/internal/v1/session"
)

// Hub is the slice of the coordinator the probes read. *session.Hub
// satisfies it.
type Hub interface {
	ShuttingDown() bool
	Registry() *session.Registry
	Rooms() *rooms.Broker
}

// Handler manages health check endpoints.
type Handler struct {
	hub Hub
}

// NewHandler creates a health check handler reading hub state.
func NewHandler(hub Hub) *Handler {
	return &Handler{hub: hub}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string                `json:"status"`
	Registry  session.RegistryStats `json:"registry"`
	Rooms     rooms.Stats           `json:"rooms"`
	Timestamp string                `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 with registry and broker occupancy while the hub is serving,
// 503 once shutdown has begun so load balancers drain the instance.
func (h *Handler) Readiness(c *gin.Context) {
	status := "ready"
	statusCode := http.StatusOK
	if h.hub.ShuttingDown() {
		status = "shutting_down"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Registry:  h.hub.Registry().Snapshot(),
		Rooms:     h.hub.Rooms().Snapshot(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}
