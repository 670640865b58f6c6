package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/tollgate/tollgate/internal/cache"
	"github.com/tollgate/tollgate/internal/service"
	"github.com/tollgate/tollgate/internal/utils"
	"github.com/tollgate/tollgate/pkg/facilitator"
)

// HealthHandler reports liveness of the proxy and its collaborators.
type HealthHandler struct {
	db          *sqlx.DB
	redis       *cache.RedisClient
	facilitator *facilitator.Client
	telemetry   *service.TelemetryService
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(db *sqlx.DB, redis *cache.RedisClient, fac *facilitator.Client, telemetry *service.TelemetryService) *HealthHandler {
	return &HealthHandler{
		db:          db,
		redis:       redis,
		facilitator: fac,
		telemetry:   telemetry,
	}
}

// GetHealth handles GET /healthz. Degraded collaborators are reported but
// only a dead database marks the service unhealthy: the proxy can serve
// cached tenants and challenges without the rest.
func (h *HealthHandler) GetHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := map[string]any{
		"database":          "ok",
		"cache":             "ok",
		"facilitator":       "ok",
		"telemetry_dropped": h.telemetry.Dropped(),
	}
	healthy := true

	if err := h.db.PingContext(ctx); err != nil {
		status["database"] = "unreachable"
		healthy = false
	}
	if err := h.redis.Ping(ctx); err != nil {
		status["cache"] = "unreachable"
	}
	if _, err := h.facilitator.GetSupported(ctx); err != nil {
		status["facilitator"] = "unreachable"
	}

	if !healthy {
		utils.Error(c, http.StatusServiceUnavailable, "UNHEALTHY", "Service degraded")
		return
	}
	utils.Success(c, http.StatusOK, "Healthy", status)
}
