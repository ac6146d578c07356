// Package api is the HTTP surface of the gateway. Every protected route
// passes the full security pipeline before its handler runs; handlers only
// ever see requests that cleared IP filtering, rate limiting, and
// authentication.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/luigilabs/luigid/internal/audit"
	"github.com/luigilabs/luigid/internal/config"
	"github.com/luigilabs/luigid/internal/dispatch"
	"github.com/luigilabs/luigid/internal/registry"
	"github.com/luigilabs/luigid/internal/security"
	"github.com/luigilabs/luigid/internal/sensors"
	"github.com/luigilabs/luigid/internal/sysinfo"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg        *config.Config
	filter     *security.IPFilter
	limiter    *security.Limiter
	guard      *security.Guard
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	collector  *sysinfo.Collector
	store      *sensors.Store
	auditLog   *audit.Log
	logger     *slog.Logger
	httpServer *http.Server

	chain     *security.Chain
	openChain *security.Chain
}

// NewServer wires the server. store may be nil when the sensor bridge is
// disabled.
func NewServer(
	cfg *config.Config,
	filter *security.IPFilter,
	limiter *security.Limiter,
	guard *security.Guard,
	dispatcher *dispatch.Dispatcher,
	reg *registry.Registry,
	collector *sysinfo.Collector,
	store *sensors.Store,
	auditLog *audit.Log,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		filter:     filter,
		limiter:    limiter,
		guard:      guard,
		dispatcher: dispatcher,
		registry:   reg,
		collector:  collector,
		store:      store,
		auditLog:   auditLog,
		logger:     logger.With("component", "api"),
	}

	// The pipeline order is fixed: filter, global rate, auth, operation
	// rate. Input validation runs in the handlers, where the route
	// parameters live.
	s.chain = security.NewChain(
		filter,
		&security.GlobalRateStage{Limiter: limiter, Audit: auditLog},
		guard,
		&security.OperationRateStage{Limiter: limiter, Audit: auditLog},
	)
	// Health checks skip authentication but never skip the filter or the
	// global tier.
	s.openChain = security.NewChain(
		filter,
		&security.GlobalRateStage{Limiter: limiter, Audit: auditLog},
	)

	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.open(s.handleHealth))

	mux.HandleFunc("GET /api/modules", s.secure(false, s.handleModuleList))
	mux.HandleFunc("GET /api/modules/{id}/status", s.secure(false, s.handleModuleStatus))
	mux.HandleFunc("GET /api/modules/{id}/logs", s.secure(false, s.handleModuleLogs))
	mux.HandleFunc("GET /api/modules/{id}/config", s.secure(false, s.handleModuleConfig))
	mux.HandleFunc("POST /api/modules/{id}/{verb}", s.secure(true, s.handleModuleVerb))

	mux.HandleFunc("GET /api/system/info", s.secure(false, s.handleSystemInfo))
	mux.HandleFunc("POST /api/system/reboot", s.secure(true, s.handleReboot))
	mux.HandleFunc("POST /api/system/shutdown", s.secure(true, s.handleShutdown))
	mux.HandleFunc("POST /api/system/update", s.secure(true, s.handleSystemUpdate))

	mux.HandleFunc("GET /api/sensors/readings", s.secure(false, s.handleSensorReadings))

	mux.HandleFunc("POST /api/auth/token", s.secure(false, s.handleTokenExchange))

	mux.HandleFunc("GET /api/audit/stream", s.secure(false, s.handleAuditStream))

	return s.recoverMiddleware(s.loggingMiddleware(mux))
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("gateway listening", "port", s.cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler exposes the assembled handler for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}
