package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/psds-microservice/realtime-relay/internal/config"
)

// RealtimeSubprotocol is negotiated with both the client and the upstream.
const RealtimeSubprotocol = "oai.realtime.v1"

// ConnectError is a typed connect/auth failure. The pump translates it
// into a client-visible close reason instead of a silent hang.
type ConnectError struct {
	Op  string // "dial", "handshake"
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Reason is the application-level close reason sent to the client.
func (e *ConnectError) Reason() string { return "upstream_connect_failed" }

// Connector opens and authenticates outbound connections to the
// upstream realtime service.
type Connector struct {
	endpoint    string
	deployment  string
	apiKey      string
	bearerToken string
	apiVersion  string
	dialer      *websocket.Dialer
	httpClient  *http.Client
	log         *zap.Logger
}

// NewConnector builds a connector from validated config.
func NewConnector(cfg *config.Config, log *zap.Logger) *Connector {
	return &Connector{
		endpoint:    cfg.Upstream.Endpoint,
		deployment:  cfg.Upstream.Deployment,
		apiKey:      cfg.Upstream.APIKey,
		bearerToken: cfg.Upstream.BearerToken,
		apiVersion:  cfg.Upstream.APIVersion,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
			Subprotocols:     []string{RealtimeSubprotocol},
		},
		httpClient: &http.Client{Timeout: cfg.Upstream.HTTPTimeout},
		log:        log,
	}
}

// Variant reports the address scheme in use (for /sideband/config).
func (c *Connector) Variant() Variant { return ResolveVariant(c.endpoint) }

// Deployment reports the configured model/deployment name.
func (c *Connector) Deployment() string { return c.deployment }

// Endpoint reports the configured endpoint URL.
func (c *Connector) Endpoint() string { return c.endpoint }

// AuthHeader returns the authentication headers for one upstream attempt.
// Exactly one credential is configured (config.Validate enforces it).
func (c *Connector) AuthHeader() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("api-key", c.apiKey)
	} else {
		h.Set("Authorization", "Bearer "+c.bearerToken)
	}
	h.Set("openai-beta", "realtime=v1")
	return h
}

// Dial opens the realtime WebSocket for a direct relay session.
func (c *Connector) Dial(ctx context.Context) (*websocket.Conn, error) {
	return c.dial(ctx, RealtimeURL(c.endpoint, c.deployment, c.apiVersion))
}

// DialControl opens the control WebSocket addressed by a call id.
func (c *Connector) DialControl(ctx context.Context, callID string) (*websocket.Conn, error) {
	return c.dial(ctx, ControlURL(c.endpoint, callID))
}

func (c *Connector) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	start := time.Now()
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, c.AuthHeader())
	if err != nil {
		op := "dial"
		if resp != nil {
			op = fmt.Sprintf("handshake (status %d)", resp.StatusCode)
		}
		return nil, &ConnectError{Op: op, URL: wsURL, Err: err}
	}
	c.log.Info("upstream connected",
		zap.String("url", wsURL),
		zap.Duration("took", time.Since(start)))
	return conn, nil
}

// MaskToken redacts a credential for diagnostics. Никогда не логируем
// токен целиком.
func MaskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
