// Package server assembles the pipeline from configuration and runs the
// HTTP API until its context ends.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kamilpajak/wardwatch/internal/analysis"
	"github.com/kamilpajak/wardwatch/internal/api"
	"github.com/kamilpajak/wardwatch/internal/breaker"
	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/internal/confidence"
	"github.com/kamilpajak/wardwatch/internal/config"
	"github.com/kamilpajak/wardwatch/internal/database"
	"github.com/kamilpajak/wardwatch/internal/orchestrator"
	"github.com/kamilpajak/wardwatch/internal/provider"
	"github.com/kamilpajak/wardwatch/internal/query"
	"github.com/kamilpajak/wardwatch/internal/router"
	"github.com/kamilpajak/wardwatch/internal/stream"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// periodTick is how often the ledger checks for a period rollover and idle
// stream topics are pruned.
const periodTick = time.Minute

// Server owns every long-lived component of a running process.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *database.DB
	ledger    *budget.Ledger
	publisher *stream.Publisher
	handler   http.Handler
}

// New builds the pipeline. When a database URL is configured the spend
// journal is migrated, attached to the ledger and replayed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger}

	ledgerOpts := []budget.Option{budget.WithLogger(logger.Named("budget"))}
	var spend api.SpendReporter
	if url := cfg.Database.URL; url != "" {
		if cfg.Database.Migrate {
			logger.Info("running database migrations")
			if err := database.Migrate(url); err != nil {
				return nil, fmt.Errorf("migration failed: %w", err)
			}
		}
		db, err := database.New(ctx, url, database.WithMaxConns(cfg.Database.MaxConns))
		if err != nil {
			return nil, err
		}
		s.db = db
		journal := database.NewSpendJournal(db)
		ledgerOpts = append(ledgerOpts, budget.WithJournal(journal))
		spend = journal
	} else {
		logger.Warn("no database configured, spend is kept in memory only")
	}

	ledger, err := budget.NewLedger(cfg.Budget, ledgerOpts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := ledger.Restore(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to restore spend: %w", err)
	}
	s.ledger = ledger

	for _, id := range cfg.MissingKeys {
		logger.Warn("provider disabled: no API key configured", zap.String("provider", string(id)))
	}
	registry, err := provider.Build(cfg.Providers, logger.Named("provider"))
	if err != nil {
		s.Close()
		return nil, err
	}

	policy := router.DefaultPolicy()
	if cfg.Routing.PolicyFile != "" {
		if policy, err = router.LoadPolicy(cfg.Routing.PolicyFile); err != nil {
			s.Close()
			return nil, err
		}
	}

	br := breaker.New(cfg.Breaker, models.AllProviders, breaker.WithLogger(logger.Named("breaker")))
	orch := orchestrator.New(cfg.Orchestrator, registry, br, ledger, logger.Named("orchestrator"))
	s.publisher = stream.NewPublisher(cfg.Stream, stream.WithLogger(logger.Named("stream")))

	svc := analysis.NewService(analysis.Deps{
		Analyzer:     query.NewAnalyzer(cfg.Analyzer),
		Router:       router.New(policy, registry, br, ledger, logger.Named("router")),
		Orchestrator: orch,
		Scorer:       confidence.NewScorer(br, orch, logger.Named("confidence")),
		Ledger:       ledger,
		Publisher:    s.publisher,
		Defaults: confidence.Options{
			Threshold:       cfg.Confidence.Threshold,
			EnableConsensus: cfg.Confidence.Consensus,
		},
		Logger: logger.Named("analysis"),
	})

	s.handler = api.NewServer(api.Config{
		Service:        svc,
		Breaker:        br,
		Registry:       registry,
		Spend:          spend,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigin:  cfg.Server.AllowedOrigin,
		Logger:         logger.Named("api"),
	})
	return s, nil
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Ledger returns the budget ledger.
func (s *Server) Ledger() *budget.Ledger {
	return s.ledger
}

// Run listens on the configured port and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends. Shutdown disconnects stream
// subscribers before draining HTTP connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting server", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(periodTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.ledger.Tick()
				s.publisher.Prune()
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down server")
		s.publisher.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("server stopped")
	return err
}

// Close releases the database pool.
func (s *Server) Close() {
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}
