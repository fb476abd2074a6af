// Package api provides the HTTP surface for harrier.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rto-platform/harrier/internal/detect"
	"github.com/rto-platform/harrier/internal/domain"
	"github.com/rto-platform/harrier/internal/history"
	"github.com/rto-platform/harrier/internal/rating"
	"github.com/rto-platform/harrier/internal/score"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, detectors *detect.Set, ruleEngine *detect.RuleEngine, scorer *score.Scorer, ratingEngine *rating.Engine, historySvc *history.Service, version string) *Server {
	handler := NewHandler(repo, cache, bus, detectors, ruleEngine, scorer, ratingEngine, historySvc, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no office required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (office required)
	router.Route("/", func(r chi.Router) {
		r.Use(OfficeMiddleware)

		// Application assessment
		r.Post("/assessments", handler.Assess)
		r.Get("/assessments/{id}", handler.GetAssessment)
		r.Get("/applications/{id}/assessments", handler.ListApplicationAssessments)

		// Broker assessments and history
		r.Get("/brokers/{id}/assessments", handler.ListBrokerAssessments)
		r.Get("/brokers/{id}/history", handler.GetBrokerHistory)

		// Broker rating
		r.Get("/brokers/{id}/rating", handler.GetBrokerRating)
		r.Post("/brokers/{id}/rating/update", handler.UpdateBrokerRating)
		r.Get("/brokers/{id}/rating/explanation", handler.GetRatingExplanation)
		r.Get("/brokers/{id}/rating/trend", handler.GetRatingTrend)

		// Detector rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Delete("/rules/{id}", handler.DeleteRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
