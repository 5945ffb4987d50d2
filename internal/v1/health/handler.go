// Package health implements the liveness and readiness probe endpoints.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/broker"
	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/state"
)

// checkTimeout bounds one readiness pass across all dependencies.
const checkTimeout = 3 * time.Second

// Handler serves the probe endpoints against the instance's backends.
type Handler struct {
	store state.Store
	brk   broker.Broker
}

// NewHandler builds a probe handler over the given backends. Either may be
// nil, in which case its check reports healthy; the memory backends have
// nothing to probe.
func NewHandler(store state.Store, brk broker.Broker) *Handler {
	return &Handler{store: store, brk: brk}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body, one entry per dependency.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. It answers 200 whenever the process is
// up; dependencies are not consulted.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. It answers 200 only while every
// dependency answers its ping, 503 otherwise, so a load balancer stops
// routing upgrades to an instance that cannot reach its backends.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	checks := map[string]string{
		"state":  h.checkState(ctx),
		"broker": h.checkBroker(ctx),
	}

	status := "ready"
	code := http.StatusOK
	for _, result := range checks {
		if result != "healthy" {
			status = "unavailable"
			code = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkState(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "State store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkBroker(ctx context.Context) string {
	if h.brk == nil {
		return "healthy"
	}
	if err := h.brk.Ping(ctx); err != nil {
		logging.Error(ctx, "Broker health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
