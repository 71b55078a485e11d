// Package health exposes the Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/logging"
)

// Pinger is the slice of a dependency the probes care about.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Unavailable is a stand-in Pinger for a dependency that failed to
// initialize. Its ping always fails so readiness reports the degradation
// instead of silently skipping the check.
type Unavailable string

func (u Unavailable) Ping(context.Context) error { return errors.New(string(u)) }

// Handler manages health check endpoints.
type Handler struct {
	cache Pinger
	db    Pinger
}

// NewHandler creates a health check handler. Either dependency may be nil,
// in which case its check is skipped.
func NewHandler(cache, db Pinger) *Handler {
	return &Handler{cache: cache, db: db}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live.
// Returns 200 if the process is alive; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready.
// Returns 200 only when every configured dependency answers a ping within
// the 3s budget; 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	check := func(name string, dep Pinger) {
		if dep == nil {
			return
		}
		if err := dep.Ping(ctx); err != nil {
			logging.Error(ctx, "Readiness check failed",
				zap.String("dependency", name), zap.Error(err))
			checks[name] = "unhealthy"
			allHealthy = false
			return
		}
		checks[name] = "healthy"
	}

	check("redis", h.cache)
	check("mongo", h.db)

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
