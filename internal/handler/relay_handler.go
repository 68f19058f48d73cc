package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/psds-microservice/realtime-relay/internal/config"
	"github.com/psds-microservice/realtime-relay/internal/lifecycle"
	"github.com/psds-microservice/realtime-relay/internal/relay"
	"github.com/psds-microservice/realtime-relay/internal/upstream"
)

// RelayWSHandler handles the direct relay WebSocket endpoint (/ws).
type RelayWSHandler struct {
	connector *upstream.Connector
	ctrl      *lifecycle.Controller
	pumpCfg   relay.PumpConfig
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewRelayWSHandler creates the direct relay handler.
func NewRelayWSHandler(connector *upstream.Connector, ctrl *lifecycle.Controller, cfg *config.Config, logger *zap.Logger) *RelayWSHandler {
	return &RelayWSHandler{
		connector: connector,
		ctrl:      ctrl,
		pumpCfg:   PumpConfigFrom(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WSReadBufferSize,
			WriteBufferSize: cfg.WSWriteBufferSize,
			Subprotocols:    []string{upstream.RealtimeSubprotocol},
			// Allow all origins for dev; in prod set CheckOrigin.
		},
		logger: logger,
	}
}

// PumpConfigFrom derives pump timers/limits from process config.
func PumpConfigFrom(cfg *config.Config) relay.PumpConfig {
	return relay.PumpConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		PongTimeout:       cfg.PongTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
		MaxMessageSize:    cfg.WSMaxMessageSize,
		MalformedLimit:    cfg.MalformedLimit,
	}
}

// ServeWS upgrades the request and runs one relay session to completion.
func (h *RelayWSHandler) ServeWS(c *gin.Context) {
	if !h.ctrl.Accepting() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID := uuid.New().String()
	h.logger.Info("client connected", zap.String("connection_id", connectionID))

	pump := relay.NewPump(connectionID, conn, h.connector.Dial, h.pumpCfg, h.logger)
	untrack := h.ctrl.Track(pump)
	defer untrack()

	if err := pump.Run(c.Request.Context()); err != nil {
		h.logger.Debug("relay session ended with error",
			zap.String("connection_id", connectionID), zap.Error(err))
	}
}
