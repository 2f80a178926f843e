// Package api provides the HTTP server for the fleet router.
// It exposes a drop-in Ollama-compatible generate endpoint that routes
// across the fleet, plus cluster introspection endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetllm/fleet/internal/domain"
)

// Service is the routing surface the server fronts.
type Service interface {
	Generate(ctx context.Context, req *domain.Request) (*domain.GenerateResponse, domain.RouteDecision, error)
	GenerateStream(ctx context.Context, req *domain.Request) (domain.StreamIterator, domain.RouteDecision, error)
	ListModels(ctx context.Context) map[string][]domain.ModelInfo
	ClusterStats() domain.ClusterStats
	NodeResources() []domain.NodeResourceView
	DefaultMode() domain.RoutingMode
}

// Server is the fleet HTTP API server.
type Server struct {
	svc            Service
	registry       domain.Registry
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(svc Service, reg domain.Registry) *Server {
	return &Server{svc: svc, registry: reg}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"nodes":  s.registry.Len(),
		})
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": "0.1.0"})
	})

	// Ollama-compatible front: tools built for a single backend talk to
	// the whole fleet unchanged.
	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Get("/tags", s.handleTags)

		// Fleet introspection
		r.Get("/cluster", s.handleCluster)
		r.Get("/nodes", s.handleNodes)
		r.Get("/models", s.handleModels)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response carrying the route decision
// so callers can reconstruct which nodes were tried and why.
func writeError(w http.ResponseWriter, status int, err error, decision *domain.RouteDecision) {
	body := map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    "error",
		},
	}
	if decision != nil {
		body["route_decision"] = decision
	}
	writeJSON(w, status, body)
}

// statusFor maps the router error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOverloaded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNodeUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrDeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrCanceled):
		// Client went away; the status is for the log line only.
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// decisionHeaders exposes the routing outcome to HTTP callers.
func decisionHeaders(w http.ResponseWriter, d domain.RouteDecision) {
	w.Header().Set("X-Fleet-Node", d.SelectedNodeID)
	w.Header().Set("X-Fleet-Model", d.ModelUsed)
	w.Header().Set("X-Fleet-Mode", d.Mode.String())
	if d.FallbackApplied {
		w.Header().Set("X-Fleet-Fallback", "true")
	}
}

func parseDurationMS(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
