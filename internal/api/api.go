// Package api provides the HTTP API: the trigger endpoint, topic event
// streams and budget and provider status.
package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/internal/analysis"
	"github.com/kamilpajak/wardwatch/internal/breaker"
	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/internal/provider"
	"github.com/kamilpajak/wardwatch/internal/stream"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// SpendReporter breaks the spend of a period down by provider.
// *database.SpendJournal implements it.
type SpendReporter interface {
	SpentByProvider(ctx context.Context, start, end time.Time) (map[models.ProviderID]float64, error)
}

// Server is the API server.
type Server struct {
	service        *analysis.Service
	ledger         *budget.Ledger
	publisher      *stream.Publisher
	breaker        *breaker.Breaker
	registry       *provider.Registry
	spend          SpendReporter
	requestTimeout time.Duration
	streamRetry    time.Duration
	allowedOrigin  string
	logger         *zap.Logger
	mux            *http.ServeMux
}

// Config holds API server configuration.
type Config struct {
	Service  *analysis.Service
	Breaker  *breaker.Breaker
	Registry *provider.Registry
	// Spend is optional; without it /api/budget omits the per-provider breakdown.
	Spend          SpendReporter
	RequestTimeout time.Duration
	// StreamRetry is the reconnect delay advised to stream clients.
	StreamRetry   time.Duration
	AllowedOrigin string
	Logger        *zap.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		service:        cfg.Service,
		ledger:         cfg.Service.Ledger(),
		publisher:      cfg.Service.Publisher(),
		breaker:        cfg.Breaker,
		registry:       cfg.Registry,
		spend:          cfg.Spend,
		requestTimeout: cfg.RequestTimeout,
		streamRetry:    cfg.StreamRetry,
		allowedOrigin:  cfg.AllowedOrigin,
		logger:         cfg.Logger,
		mux:            http.NewServeMux(),
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = 60 * time.Second
	}
	if s.streamRetry <= 0 {
		s.streamRetry = 3 * time.Second
	}
	if s.allowedOrigin == "" {
		s.allowedOrigin = "*"
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/analyze", s.handleAnalyze)

	s.mux.HandleFunc("GET /api/stream/{topic}", s.handleStream)
	s.mux.HandleFunc("POST /api/stream/{topic}/complete", s.handleCompleteStream)

	s.mux.HandleFunc("GET /api/budget", s.handleGetBudget)
	s.mux.HandleFunc("GET /api/providers", s.handleListProviders)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
	w.Header().Set("Access-Control-Expose-Headers", "Retry-After")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": s.registry.IDs(),
		"budget":    s.ledger.Level(),
	})
}
