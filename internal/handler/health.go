package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/psds-microservice/realtime-relay/internal/config"
	"github.com/psds-microservice/realtime-relay/internal/lifecycle"
)

// HealthHandler handles health checks and the service banner.
type HealthHandler struct {
	ctrl *lifecycle.Controller
	cfg  *config.Config
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(ctrl *lifecycle.Controller, cfg *config.Config) *HealthHandler {
	return &HealthHandler{ctrl: ctrl, cfg: cfg}
}

// Health responds to GET /healthz. Stays green while DRAINING so the
// load balancer keeps in-flight sessions routable during rollout.
func (h *HealthHandler) Health(c *gin.Context) {
	state := h.ctrl.State()
	if state == lifecycle.StateStopped {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "stopped",
			"revision": h.cfg.Revision,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"state":    string(state),
		"revision": h.cfg.Revision,
	})
}

// Root responds to GET / with a service banner.
func (h *HealthHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":  "realtime relay is running",
		"revision": h.cfg.Revision,
		"ws_url":   h.cfg.PublicWSURL(),
	})
}
