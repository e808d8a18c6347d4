package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/deviceguard/server/internal/models"
)

// Pinger reports whether the device store is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NodeCounter reports the proxy nodes holding a control connection
type NodeCounter interface {
	ConnectedNodes() []string
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db    Pinger
	nodes NodeCounter
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(db Pinger, nodes NodeCounter) *HealthHandler {
	return &HealthHandler{db: db, nodes: nodes}
}

// HealthCheck returns the server health status
// @Summary Health check
// @Description Returns the current health status of the server, its store and the connected node count
// @Tags health
// @Produce json
// @Success 200 {object} models.HealthResponse "Server is healthy"
// @Failure 503 {object} models.HealthResponse "Store unreachable"
// @Router /api/health [get]
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.HealthResponse{
		Status:    "healthy",
		Database:  "ok",
		Timestamp: time.Now().UTC(),
	}
	if h.nodes != nil {
		response.ConnectedNodes = len(h.nodes.ConnectedNodes())
	}

	status := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			response.Status = "unhealthy"
			response.Database = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, response)
}
