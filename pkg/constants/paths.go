package constants

// Пути HTTP/WS поверхности (общие для router и тестов).
const (
	PathHealth = "/healthz"
	PathRoot   = "/"
	PathRelay  = "/ws"

	PathSidebandSession   = "/sideband/session"
	PathSidebandSessionID = "/sideband/session/:session_id"
	PathSidebandEphemeral = "/sideband/ephemeral-key"
	PathSidebandOffer     = "/sideband/offer"
	PathSidebandControl   = "/sideband/control/:session_id"
	PathSidebandSessions  = "/sideband/sessions"
	PathSidebandConfig    = "/sideband/config"
)
