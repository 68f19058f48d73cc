package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/psds-microservice/realtime-relay/internal/config"
	"github.com/psds-microservice/realtime-relay/internal/errs"
	"github.com/psds-microservice/realtime-relay/internal/lifecycle"
	"github.com/psds-microservice/realtime-relay/internal/model"
	"github.com/psds-microservice/realtime-relay/internal/sideband"
	"github.com/psds-microservice/realtime-relay/internal/upstream"
)

// SidebandHandler handles the sideband REST + control WS surface.
type SidebandHandler struct {
	reg       *sideband.Registry
	connector *upstream.Connector
	ctrl      *lifecycle.Controller
	cfg       *config.Config
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewSidebandHandler creates the sideband handler.
func NewSidebandHandler(reg *sideband.Registry, connector *upstream.Connector, ctrl *lifecycle.Controller, cfg *config.Config, logger *zap.Logger) *SidebandHandler {
	return &SidebandHandler{
		reg:       reg,
		connector: connector,
		ctrl:      ctrl,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WSReadBufferSize,
			WriteBufferSize: cfg.WSWriteBufferSize,
		},
		logger: logger,
	}
}

// CreateSession godoc
// POST /sideband/session
func (h *SidebandHandler) CreateSession(c *gin.Context) {
	if !h.ctrl.Accepting() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	snap := h.reg.Create()
	c.JSON(http.StatusCreated, model.CreateSidebandResponse{
		SessionID:    snap.SessionID,
		ControlWSURL: h.cfg.PublicControlURL(snap.SessionID),
	})
}

// EphemeralKey godoc
// POST /sideband/ephemeral-key
func (h *SidebandHandler) EphemeralKey(c *gin.Context) {
	var req model.EphemeralKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	if req.Voice == "" {
		req.Voice = "alloy"
	}
	if req.Instructions == "" {
		req.Instructions = "You are a helpful assistant."
	}
	token, err := h.reg.IssueEphemeralKey(c.Request.Context(), req.SessionID, req.Voice, req.Instructions)
	if err != nil {
		h.renderError(c, err, "failed to issue ephemeral key")
		return
	}
	c.JSON(http.StatusOK, model.EphemeralKeyResponse{Token: token})
}

// Offer godoc
// POST /sideband/offer
func (h *SidebandHandler) Offer(c *gin.Context) {
	var req model.OfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	answer, callID, err := h.reg.ExchangeOffer(c.Request.Context(), req.SessionID, req.SDP)
	if err != nil {
		h.renderError(c, err, "failed to exchange offer")
		return
	}
	c.JSON(http.StatusOK, model.OfferResponse{
		SessionID: req.SessionID,
		CallID:    callID,
		SDP:       answer,
	})
}

// Control godoc
// GET /sideband/control/:session_id (WebSocket)
func (h *SidebandHandler) Control(c *gin.Context) {
	if !h.ctrl.Accepting() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	sessionID := c.Param("session_id")
	if err := h.reg.Precheck(sessionID); err != nil {
		h.renderError(c, err, "control attach rejected")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("control upgrade failed", zap.Error(err))
		return
	}

	if err := h.reg.Attach(c.Request.Context(), sessionID, conn); err != nil {
		// Attach re-validates under lock; a losing race ends up here.
		_ = conn.WriteJSON(gin.H{"type": "error", "message": err.Error()})
		_ = conn.Close()
	}
}

// ListSessions godoc
// GET /sideband/sessions
func (h *SidebandHandler) ListSessions(c *gin.Context) {
	sessions := h.reg.List()
	c.JSON(http.StatusOK, model.SidebandListResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// GetSession godoc
// GET /sideband/session/:session_id (also resolves a call id)
func (h *SidebandHandler) GetSession(c *gin.Context) {
	id := c.Param("session_id")
	snap, err := h.reg.Get(id)
	if errors.Is(err, errs.ErrSessionNotFound) {
		if sid, ok := h.reg.ResolveCallID(id); ok {
			snap, err = h.reg.Get(sid)
		}
	}
	if err != nil {
		h.renderError(c, err, "failed to get session")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// DeleteSession godoc
// DELETE /sideband/session/:session_id
func (h *SidebandHandler) DeleteSession(c *gin.Context) {
	if err := h.reg.Teardown(c.Param("session_id")); err != nil {
		h.renderError(c, err, "failed to remove session")
		return
	}
	c.Status(http.StatusNoContent)
}

// Config godoc
// GET /sideband/config — deployment info, никогда не отдаёт credentials.
func (h *SidebandHandler) Config(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"variant":  string(h.connector.Variant()),
		"model":    h.connector.Deployment(),
		"endpoint": h.connector.Endpoint(),
	})
}

func (h *SidebandHandler) renderError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, errs.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, errs.ErrSessionNotReady):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "no call id recorded yet"})
	case errors.Is(err, errs.ErrAlreadyAttached):
		c.JSON(http.StatusConflict, gin.H{"error": "control channel already attached"})
	case errors.Is(err, errs.ErrUpstreamRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream rejected request"})
	case errors.Is(err, errs.ErrUpstreamUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unavailable"})
	default:
		h.logger.Warn(fallback, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
