// Package server exposes the HTTP + WebSocket API: the alert webhook, read
// models for positions and decisions, the risk hot-reload endpoint, and the
// event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/server/middleware"
	"github.com/alanyoungcy/perpbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	AlertRateLimit  int    // alerts per window per client IP; 0 disables
	AlertRateWindow time.Duration
	RateLimiter     middleware.Limiter // nil disables
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Alerts    *handler.AlertHandler
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Decisions *handler.DecisionHandler
	Risk      *handler.RiskHandler
	Status    *handler.StatusHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Alert webhook. Authenticated by per-source HMAC, not the API key, and
	// rate limited per client IP.
	var alerts http.Handler = http.HandlerFunc(handlers.Alerts.PostAlert)
	alerts = middleware.RateLimit(cfg.RateLimiter, cfg.AlertRateLimit, cfg.AlertRateWindow)(alerts)
	mux.Handle("POST /api/alerts", alerts)

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.GetHealth)

	// Position endpoints.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListOpen)
	mux.HandleFunc("GET /api/positions/history", handlers.Positions.ListHistory)

	// Decision history endpoint.
	mux.HandleFunc("GET /api/decisions", handlers.Decisions.ListRecent)

	// Risk bounds read / hot reload.
	mux.HandleFunc("GET /api/risk", handlers.Risk.GetConfig)
	mux.HandleFunc("PUT /api/risk", handlers.Risk.UpdateConfig)

	// Status endpoint.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty; the webhook and the
	// health probe authenticate differently).
	h = middleware.Auth(cfg.APIKey, "/api/alerts", "/api/health")(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
