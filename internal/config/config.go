package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultAPIVersion is used when AZURE_OPENAI_API_VERSION is not set.
const DefaultAPIVersion = "2024-10-01-preview"

// Config holds realtime-relay configuration (shape as streaming-service template).
type Config struct {
	AppEnv   string // APP_ENV
	AppHost  string // APP_HOST
	HTTPPort string // APP_PORT or PORT
	LogLevel string // LOG_LEVEL
	Revision string // CONTAINER_APP_REVISION (для логов drain-валидации)

	// Upstream realtime service
	Upstream struct {
		Endpoint    string // AZURE_OPENAI_ENDPOINT (https://...)
		Deployment  string // AZURE_OPENAI_DEPLOYMENT_NAME or AZURE_OPENAI_DEPLOYMENT
		APIKey      string // AZURE_OPENAI_API_KEY (header auth)
		BearerToken string // OPENAI_API_KEY (bearer auth)
		APIVersion  string // AZURE_OPENAI_API_VERSION
		HTTPTimeout time.Duration
	}

	// WebSocket
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSMaxMessageSize  int64

	// Relay
	HeartbeatInterval time.Duration // ping to client
	PongTimeout       time.Duration // dead connection after this without pong
	ConnectTimeout    time.Duration // upstream dial bound
	MalformedLimit    int           // consecutive undecodable frames before close

	// Sideband
	SidebandIdleTimeout time.Duration

	// Shutdown
	DrainGracePeriod time.Duration

	// External base URL used only to render client-facing connection
	// strings (e.g. wss://relay.example.com), never for binding.
	PublicBaseURL string
}

// Load loads config from environment (.env if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	readBuf, _ := strconv.Atoi(getEnv("WS_READ_BUFFER_SIZE", "4096"))
	writeBuf, _ := strconv.Atoi(getEnv("WS_WRITE_BUFFER_SIZE", "4096"))
	maxMsg, _ := strconv.ParseInt(getEnv("WS_MAX_MESSAGE_SIZE", "1048576"), 10, 64)
	malformed, _ := strconv.Atoi(getEnv("RELAY_MALFORMED_LIMIT", "5"))

	cfg := &Config{
		AppEnv:              getEnv("APP_ENV", "development"),
		AppHost:             getEnv("APP_HOST", "0.0.0.0"),
		HTTPPort:            firstEnv("APP_PORT", "PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		Revision:            getEnv("CONTAINER_APP_REVISION", "local"),
		WSReadBufferSize:    readBuf,
		WSWriteBufferSize:   writeBuf,
		WSMaxMessageSize:    maxMsg,
		HeartbeatInterval:   getDuration("RELAY_HEARTBEAT_INTERVAL", 20*time.Second),
		PongTimeout:         getDuration("RELAY_PONG_TIMEOUT", 45*time.Second),
		ConnectTimeout:      getDuration("RELAY_CONNECT_TIMEOUT", 10*time.Second),
		MalformedLimit:      malformed,
		SidebandIdleTimeout: getDuration("SIDEBAND_IDLE_TIMEOUT", 5*time.Minute),
		DrainGracePeriod:    getDuration("DRAIN_GRACE_PERIOD", 30*time.Second),
		PublicBaseURL:       getEnv("PUBLIC_BASE_URL", ""),
	}
	cfg.Upstream.Endpoint = getEnv("AZURE_OPENAI_ENDPOINT", "")
	cfg.Upstream.Deployment = firstEnv("AZURE_OPENAI_DEPLOYMENT_NAME", "AZURE_OPENAI_DEPLOYMENT", "gpt-4o-realtime-preview")
	cfg.Upstream.APIKey = getEnv("AZURE_OPENAI_API_KEY", "")
	cfg.Upstream.BearerToken = getEnv("OPENAI_API_KEY", "")
	cfg.Upstream.APIVersion = getEnv("AZURE_OPENAI_API_VERSION", DefaultAPIVersion)
	cfg.Upstream.HTTPTimeout = getDuration("UPSTREAM_HTTP_TIMEOUT", 30*time.Second)
	return cfg, nil
}

// Validate checks required fields and credential exclusivity.
func (c *Config) Validate() error {
	if c.Upstream.Endpoint == "" {
		return errors.New("config: AZURE_OPENAI_ENDPOINT is required")
	}
	if c.Upstream.Deployment == "" {
		return errors.New("config: AZURE_OPENAI_DEPLOYMENT is required")
	}
	if c.Upstream.APIKey == "" && c.Upstream.BearerToken == "" {
		return errors.New("config: AZURE_OPENAI_API_KEY or OPENAI_API_KEY is required")
	}
	if c.Upstream.APIKey != "" && c.Upstream.BearerToken != "" {
		return errors.New("config: AZURE_OPENAI_API_KEY and OPENAI_API_KEY are mutually exclusive")
	}
	if c.DrainGracePeriod <= 0 {
		return errors.New("config: DRAIN_GRACE_PERIOD must be positive")
	}
	return nil
}

// Addr returns listen address for HTTP server.
func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

// PublicWSURL returns the client-facing URL for the direct relay endpoint.
func (c *Config) PublicWSURL() string {
	return c.publicURL("/ws")
}

// PublicControlURL returns the client-facing URL for a sideband control channel.
func (c *Config) PublicControlURL(sessionID string) string {
	return c.publicURL("/sideband/control/" + sessionID)
}

func (c *Config) publicURL(path string) string {
	if c.PublicBaseURL == "" {
		return path
	}
	base := strings.TrimSuffix(c.PublicBaseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + path
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare numbers are seconds (как в docker-compose окружении).
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	fmt.Fprintf(os.Stderr, "config: invalid duration %s=%q, using default\n", key, v)
	return def
}

func firstEnv(keysAndDef ...string) string {
	if len(keysAndDef) == 0 {
		return ""
	}
	def := keysAndDef[len(keysAndDef)-1]
	keys := keysAndDef[:len(keysAndDef)-1]
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
