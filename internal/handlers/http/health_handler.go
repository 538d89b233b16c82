package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"streamadapt/internal/infrastructure/monitoring"
)

type HealthHandler struct {
	checker *monitoring.HealthChecker
	metrics http.Handler
}

// NewHealthHandler serves liveness, readiness and, when metrics is not
// nil, the Prometheus scrape endpoint.
func NewHealthHandler(checker *monitoring.HealthChecker, metrics http.Handler) *HealthHandler {
	return &HealthHandler{checker: checker, metrics: metrics}
}

// SetupRoutes registers the health, readiness and metrics routes.
func (h *HealthHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}
}

func (h *HealthHandler) Health(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// Ready answers 503 unless every check passes.
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.checker.IsReady(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "checks": h.checker.LastResults()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
