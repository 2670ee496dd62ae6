package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/layercache/layercache/internal/config"
	"github.com/layercache/layercache/pkg/cache"
)

// Server holds the HTTP server dependencies. It exposes health/readiness,
// Prometheus metrics, and a JSON-only admin surface over the cache facade
// (C9): stats, tag invalidation, prefix invalidation.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	cache     *cache.Manager
	metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware, health endpoints, and
// the cache admin surface mounted under /debug/cache.
func NewServer(cfg *config.Config, logger *slog.Logger, cacheMgr *cache.Manager, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		cache:     cacheMgr,
		metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/debug/cache", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/invalidate/tag", s.handleInvalidateTag)
		r.Post("/invalidate/prefix", s.handleInvalidatePrefix)
		r.Delete("/{key}", s.handleDeleteKey)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready once at least one registered provider answers
// its stats request; provider health state is not consulted.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	stats := s.cache.GetStats(r.Context())
	if len(stats.Providers.PerProvider) == 0 {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "no providers registered")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, s.cache.GetStats(r.Context()))
}

type tagInvalidationRequest struct {
	Tag string `json:"tag" validate:"required"`
}

func (s *Server) handleInvalidateTag(w http.ResponseWriter, r *http.Request) {
	var req tagInvalidationRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	n, err := s.cache.InvalidateByTag(r.Context(), req.Tag)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "invalidation_failed", err.Error())
		return
	}
	Respond(w, http.StatusOK, map[string]int{"entries_removed": n})
}

type prefixInvalidationRequest struct {
	Prefix string `json:"prefix" validate:"required"`
}

func (s *Server) handleInvalidatePrefix(w http.ResponseWriter, r *http.Request) {
	var req prefixInvalidationRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	n, err := s.cache.InvalidateByPrefix(r.Context(), req.Prefix)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "invalidation_failed", err.Error())
		return
	}
	Respond(w, http.StatusOK, map[string]int{"entries_removed": n})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	deleted, err := s.cache.Delete(r.Context(), key)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	Respond(w, http.StatusOK, map[string]bool{"deleted": deleted})
}
