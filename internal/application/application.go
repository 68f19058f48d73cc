package application

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/psds-microservice/realtime-relay/internal/config"
	"github.com/psds-microservice/realtime-relay/internal/handler"
	"github.com/psds-microservice/realtime-relay/internal/lifecycle"
	"github.com/psds-microservice/realtime-relay/internal/router"
	"github.com/psds-microservice/realtime-relay/internal/sideband"
	"github.com/psds-microservice/realtime-relay/internal/upstream"
)

// API is the HTTP + WebSocket relay application.
type API struct {
	cfg    *config.Config
	srv    *http.Server
	ctrl   *lifecycle.Controller
	reg    *sideband.Registry
	logger *zap.Logger
}

// NewAPI creates the application: validates config, builds the upstream
// connector, registries, handlers and router.
func NewAPI(cfg *config.Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, _ := zap.NewProduction()
	if cfg.AppEnv == "development" {
		logger, _ = zap.NewDevelopment()
	}

	ctrl := lifecycle.NewController(cfg.DrainGracePeriod, logger)
	connector := upstream.NewConnector(cfg, logger)
	reg := sideband.NewRegistry(connector, ctrl, handler.PumpConfigFrom(cfg), cfg.SidebandIdleTimeout, logger)

	health := handler.NewHealthHandler(ctrl, cfg)
	relayWS := handler.NewRelayWSHandler(connector, ctrl, cfg, logger)
	sb := handler.NewSidebandHandler(reg, connector, ctrl, cfg, logger)

	r := router.New(health, relayWS, sb)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &API{cfg: cfg, srv: srv, ctrl: ctrl, reg: reg, logger: logger}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled; then
// drains active sessions within the grace window and shuts down.
func (a *API) Run(ctx context.Context) error {
	defer a.logger.Sync()

	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	log.Printf("HTTP server listening on %s", a.srv.Addr)
	log.Printf("  Health:     %s/healthz", base)
	log.Printf("  Relay:      ws://%s:%s/ws", host, a.cfg.HTTPPort)
	log.Printf("  Sideband:   %s/sideband/session", base)

	a.reg.StartReaper(ctx)

	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http: %v", err)
		}
	}()

	<-ctx.Done()
	a.logger.Info("termination signal received",
		zap.String("revision", a.cfg.Revision),
		zap.Duration("grace", a.cfg.DrainGracePeriod))

	// Drain first so /healthz stays green while sessions finish, then
	// stop the listener.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.DrainGracePeriod+5*time.Second)
	defer cancel()
	a.ctrl.Shutdown(shutdownCtx)

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
