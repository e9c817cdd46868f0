package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/anstrom/neondeck/internal/logging"
)

// DatabasePinger defines the interface for database health checking.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

const healthCheckTimeout = 5 * time.Second

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// HealthHandler handles the health and index endpoints.
type HealthHandler struct {
	database  DatabasePinger
	version   string
	logger    *logging.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler. database may be nil.
func NewHealthHandler(database DatabasePinger, version string, logger *logging.Logger) *HealthHandler {
	return &HealthHandler{
		database:  database,
		version:   version,
		logger:    logger.WithComponent("api.health"),
		startTime: time.Now(),
	}
}

// Health handles GET /health. It answers 503 when the database is down.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    StatusHealthy,
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    map[string]string{},
	}

	if h.database == nil {
		response.Checks["database"] = StatusNotConfigured
	} else if err := h.database.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", "check", "database", "error", err)
		response.Status = StatusUnhealthy
		response.Checks["database"] = StatusUnhealthy
	} else {
		response.Checks["database"] = "ok"
	}

	status := http.StatusOK
	if response.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, response)
}

// Index handles GET / with a map of the API.
func (h *HealthHandler) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"message": "NeonDeck API",
		"version": h.version,
		"health":  "/health",
		"metrics": "/metrics",
		"endpoints": map[string]string{
			"services":   "/api/services",
			"categories": "/api/categories",
			"scan":       "/api/scan/status",
			"history":    "/api/scan/history",
			"scheduler":  "/api/scheduler/status",
			"events":     "/api/ws/scans",
		},
	})
}
