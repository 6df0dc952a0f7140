// Package server exposes the management HTTP API: site CRUD backed by
// the repository, command publishing, telegram credential management
// and the chat webhook.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mvaldes/sitewatch/internal/bot"
	"github.com/mvaldes/sitewatch/internal/site"
	"github.com/mvaldes/sitewatch/internal/telegram"
	"github.com/mvaldes/sitewatch/internal/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds the HTTP listener configuration.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Deps are the collaborators the handlers drive.
type Deps struct {
	Repo          *site.Repository
	Publisher     bot.Publisher
	Resolver      *telegram.Resolver
	Interpreter   *bot.Interpreter
	WebhookSecret string
	StoreKind     string
}

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// Server is the sitewatch HTTP server.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
}

// New creates a Server with middleware and routes.
func New(addr string, deps Deps, logger *zap.Logger, ready ReadinessChecker) *Server {
	mux := http.NewServeMux()

	s := &Server{
		deps:   deps,
		logger: logger,
		mux:    mux,
		ready:  ready,
	}

	s.registerRoutes()

	// Middleware chain: outermost listed first.
	opsPaths := []string{"/healthz", "/readyz", "/metrics"}
	handler := Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, opsPaths),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
		RateLimitMiddleware(100, 200, opsPaths),
	)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the fully wired handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes sets up all routes.
func (s *Server) registerRoutes() {
	// Unversioned operational endpoints.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/sites", s.handleListSites)
	s.mux.HandleFunc("POST /api/sites", s.handleUpsertSite)
	s.mux.HandleFunc("GET /api/sites/{id}", s.handleGetSite)
	s.mux.HandleFunc("DELETE /api/sites/{id}", s.handleDeleteSite)
	s.mux.HandleFunc("POST /api/sites/{id}/pause", s.handlePauseSite)
	s.mux.HandleFunc("POST /api/sites/{id}/resume", s.handleResumeSite)
	s.mux.HandleFunc("POST /api/sites/{id}/check", s.handleCheckSite)
	s.mux.HandleFunc("POST /api/sites/{id}/status", s.handleReportStatus)

	s.mux.HandleFunc("GET /api/config/telegram", s.handleGetTelegramConfig)
	s.mux.HandleFunc("PUT /api/config/telegram", s.handleSaveTelegramConfig)

	s.mux.HandleFunc("POST /api/commands/publish", s.handlePublishCommand)
	s.mux.HandleFunc("POST /api/telegram/webhook/{secret}", s.handleWebhook)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is a liveness probe -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadyz checks readiness -- returns 200 if the server can serve traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /api/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Store   string            `json:"store"`
	Version map[string]string `json:"version"`
}

// handleHealth returns detailed health information.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "sitewatch",
		Store:   s.deps.StoreKind,
		Version: version.Map(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
