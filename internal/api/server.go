package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readinessTimeout      = 2 * time.Second
)

// ReadinessCheck probes one downstream dependency.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires HTTP handlers to the workflow registry and run history.
type Server struct {
	router   chi.Router
	registry *workflow.Registry
	history  crawler.RunHistory
	clock    crawler.Clock
	checks   []ReadinessCheck
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	registry *workflow.Registry,
	history crawler.RunHistory,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
	checks ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry: registry,
		history:  history,
		clock:    clock,
		checks:   checks,
		logger:   logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/workflows", s.listWorkflows)
		r.Route("/workflows/{name}", func(r chi.Router) {
			r.Get("/", s.getWorkflow)
			r.Post("/run", s.runWorkflow)
			r.Post("/crawl", s.crawlURL)
		})
		r.Get("/runs", s.listRuns)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	failed := map[string]string{}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
