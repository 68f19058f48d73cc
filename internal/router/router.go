package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/psds-microservice/realtime-relay/internal/handler"
	"github.com/psds-microservice/realtime-relay/pkg/constants"
)

// New builds the HTTP router.
func New(
	health *handler.HealthHandler,
	relayWS *handler.RelayWSHandler,
	sb *handler.SidebandHandler,
) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(constants.PathHealth, health.Health)
	r.GET(constants.PathRoot, health.Root)

	// Direct relay WebSocket
	r.GET(constants.PathRelay, relayWS.ServeWS)

	// Sideband REST + control WS
	r.POST(constants.PathSidebandSession, sb.CreateSession)
	r.POST(constants.PathSidebandEphemeral, sb.EphemeralKey)
	r.POST(constants.PathSidebandOffer, sb.Offer)
	r.GET(constants.PathSidebandControl, sb.Control)
	r.GET(constants.PathSidebandSessions, sb.ListSessions)
	r.GET(constants.PathSidebandSessionID, sb.GetSession)
	r.DELETE(constants.PathSidebandSessionID, sb.DeleteSession)
	r.GET(constants.PathSidebandConfig, sb.Config)

	return r
}
