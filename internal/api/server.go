// Package api exposes the Intelify HTTP API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelify/internal/correlate"
	"github.com/lvonguyen/intelify/internal/intel"
	"github.com/lvonguyen/intelify/internal/observability"
	"github.com/lvonguyen/intelify/internal/reconcile"
	"github.com/lvonguyen/intelify/internal/storage"
)

// Server wires the intelligence pipeline into HTTP handlers.
type Server struct {
	manager    *intel.Manager
	reconciler *reconcile.Reconciler
	engine     *correlate.Engine
	store      storage.Store
	metrics    *observability.Metrics
	logger     *zap.Logger

	authToken     string
	ingestLimit   int
	ingestTimeout time.Duration
	limiter       *RateLimiter
	version       string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthToken requires the given bearer token on mutating endpoints.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) { s.authToken = token }
}

// WithRateLimiter applies a rate limiter to the API routes.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithIngestTimeout caps how long a sync run may spend fetching and
// reconciling. Zero means no cap beyond the request timeout.
func WithIngestTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.ingestTimeout = d }
}

// NewServer creates the API server.
func NewServer(
	manager *intel.Manager,
	reconciler *reconcile.Reconciler,
	engine *correlate.Engine,
	store storage.Store,
	metrics *observability.Metrics,
	logger *zap.Logger,
	ingestLimit int,
	opts ...ServerOption,
) *Server {
	s := &Server{
		manager:     manager,
		reconciler:  reconciler,
		engine:      engine,
		store:       store,
		metrics:     metrics,
		logger:      logger,
		ingestLimit: ingestLimit,
		version:     "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		r.Get("/search", s.handleSearch)
		r.Get("/indicators", s.handleListIndicators)
		r.Get("/alerts", s.handleListAlerts)
		r.Get("/sources", s.handleListSources)
		r.Get("/stats", s.handleStats)
		r.Get("/correlation", s.handleListCorrelations)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/intelligence/sync", s.handleSync)
			r.Post("/ingest", s.handleIngest)
			r.Post("/correlation/run", s.handleCorrelationRun)
		})
	})

	return r
}

// requireAuth checks the bearer token on mutating endpoints. With no token
// configured the check is skipped.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.authToken {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": s.version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleSync pulls the latest indicators from every enabled feed and
// reconciles them into the store.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.ingestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ingestTimeout)
		defer cancel()
	}

	indicators, fetched := s.manager.IngestLatest(ctx, s.ingestLimit)
	result := s.reconciler.Apply(ctx, indicators, "")

	// Only feeds that actually delivered get their freshness advanced.
	for _, sourceID := range fetched {
		if err := s.store.TouchSource(ctx, sourceID); err != nil {
			s.logger.Warn("Failed to touch source",
				zap.String("source", sourceID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ingested":  len(indicators),
		"processed": result.Processed,
		"created":   result.Created,
		"updated":   result.Updated,
		"errors":    result.Errors,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ingestRequest is the body of POST /api/v1/ingest.
type ingestRequest struct {
	Source     string            `json:"source"`
	Indicators []intel.Indicator `json:"indicators"`
}

// handleIngest reconciles a caller-supplied batch of indicators.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Indicators) == 0 {
		writeError(w, http.StatusBadRequest, "indicators is required")
		return
	}
	source := req.Source
	if source == "" {
		source = "manual"
	}

	result := s.reconciler.Apply(r.Context(), req.Indicators, source)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCorrelationRun(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.engine.Run(r.Context())
	if err != nil {
		s.logger.Error("Correlation run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if patterns == nil {
		patterns = []storage.PatternRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"correlations": patterns,
		"count":        len(patterns),
	})
}

func (s *Server) handleListCorrelations(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.store.ListCorrelations(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if patterns == nil {
		patterns = []storage.PatternRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"correlations": patterns,
		"count":        len(patterns),
	})
}

// handleSearch looks an indicator up across every feed that supports point
// queries.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("value")
	if value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	t := intel.Type(r.URL.Query().Get("type"))
	if t == "" {
		t = intel.HashTypeFor(value)
	}
	if !t.Valid() {
		writeError(w, http.StatusBadRequest, "unknown indicator type")
		return
	}

	hits := s.manager.SearchAll(r.Context(), value, t)
	if hits == nil {
		hits = []intel.Indicator{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"value":   value,
		"type":    t,
		"results": hits,
		"count":   len(hits),
	})
}

func (s *Server) handleListIndicators(w http.ResponseWriter, r *http.Request) {
	filter := storage.IndicatorFilter{
		Type:       intel.Type(r.URL.Query().Get("type")),
		ActiveOnly: r.URL.Query().Get("active") == "true",
		MinRisk:    queryInt(r, "min_risk", 0),
		Limit:      queryInt(r, "limit", 100),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown indicator type")
		return
	}

	indicators, err := s.store.ListIndicators(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if indicators == nil {
		indicators = []storage.IndicatorRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"indicators": indicators,
		"count":      len(indicators),
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListAlerts(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []storage.AlertRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sources == nil {
		sources = []storage.SourceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": sources,
		"count":   len(sources),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
