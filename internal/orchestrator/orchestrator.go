// Package orchestrator executes a routing plan against the provider
// adapters, keeping the breaker and the budget ledger in step with every
// attempt.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/internal/breaker"
	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/internal/provider"
	"github.com/kamilpajak/wardwatch/internal/router"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// Skip reasons for attempts that never reached the provider.
var (
	ErrCircuitOpen = errors.New("circuit open")
	ErrNotEnabled  = errors.New("provider not enabled")
)

// Config holds orchestration timeouts.
type Config struct {
	// CallTimeout caps a single provider call.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// DefaultConfig returns a 30 second call timeout.
func DefaultConfig() Config {
	return Config{CallTimeout: 30 * time.Second}
}

// Attempt records the outcome of one plan entry.
type Attempt struct {
	Provider models.ProviderID `json:"provider"`
	Timeout  time.Duration     `json:"timeout"`
	Latency  time.Duration     `json:"latency"`
	Err      error             `json:"-"`
}

// ExhaustedError is returned when no plan entry produced a result.
type ExhaustedError struct {
	Attempts []Attempt
	Last     error
}

func (e *ExhaustedError) Error() string {
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, string(a.Provider))
	}
	if e.Last == nil {
		return "all providers exhausted: empty plan"
	}
	return fmt.Sprintf("all providers exhausted after [%s]: %v", strings.Join(names, ", "), e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsExhausted checks if an error is (or wraps) an ExhaustedError.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}

// Orchestrator runs plans. It is safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	catalog router.Catalog
	breaker *breaker.Breaker
	ledger  *budget.Ledger
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config, catalog router.Catalog, br *breaker.Breaker, ledger *budget.Ledger, logger *zap.Logger) *Orchestrator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, catalog: catalog, breaker: br, ledger: ledger, logger: logger, now: time.Now}
}

// callTimeout derives the timeout for one attempt from the remaining request
// deadline. With more entries left it takes at most half of what remains so
// that a fallback can still run.
func (o *Orchestrator) callTimeout(ctx context.Context, moreAfter bool) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return o.cfg.CallTimeout
	}
	remaining := deadline.Sub(o.now())
	var limit time.Duration
	if moreAfter {
		limit = remaining / 2
	} else {
		limit = remaining * 4 / 5
	}
	if limit > o.cfg.CallTimeout {
		limit = o.cfg.CallTimeout
	}
	return limit
}

// Execute tries each plan entry in order and returns the first success.
// Every reservation is committed or released, and the breaker updated,
// before the next entry starts.
func (o *Orchestrator) Execute(ctx context.Context, plan router.Plan, req provider.Request) (*models.AnalysisResult, error) {
	exhausted := &ExhaustedError{}

	for i, id := range plan.Providers {
		if err := ctx.Err(); err != nil {
			exhausted.Last = err
			break
		}
		attempt := Attempt{Provider: id}

		adapter, ok := o.catalog.Get(id)
		if !ok {
			attempt.Err = ErrNotEnabled
			exhausted.Attempts = append(exhausted.Attempts, attempt)
			exhausted.Last = attempt.Err
			continue
		}
		if !o.breaker.IsAvailable(id) {
			attempt.Err = ErrCircuitOpen
			exhausted.Attempts = append(exhausted.Attempts, attempt)
			exhausted.Last = fmt.Errorf("provider %s: %w", id, ErrCircuitOpen)
			continue
		}

		reservation, err := o.ledger.Reserve(id, plan.Estimates[id])
		if err != nil {
			o.logger.Warn("reservation refused",
				zap.String("provider", string(id)),
				zap.Float64("cost_usd", plan.Estimates[id]),
				zap.Error(err),
			)
			attempt.Err = err
			exhausted.Attempts = append(exhausted.Attempts, attempt)
			exhausted.Last = err
			continue
		}

		attempt.Timeout = o.callTimeout(ctx, i < len(plan.Providers)-1)
		callReq := req
		if plan.MaxTokensOut > 0 && (req.MaxTokens <= 0 || plan.MaxTokensOut < req.MaxTokens) {
			callReq.MaxTokens = plan.MaxTokensOut
		}
		start := o.now()
		res, err := adapter.Generate(ctx, callReq, attempt.Timeout)
		attempt.Latency = o.now().Sub(start)

		if err != nil {
			if relErr := o.ledger.Release(reservation); relErr != nil {
				o.logger.Error("failed to release reservation", zap.Error(relErr))
			}
			attempt.Err = err
			exhausted.Attempts = append(exhausted.Attempts, attempt)
			exhausted.Last = err

			if ctx.Err() != nil {
				// The caller gave up; this is not the provider's fault.
				o.logger.Info("request cancelled during provider call",
					zap.String("provider", string(id)),
					zap.Error(ctx.Err()),
				)
				break
			}
			if provider.IsThrottled(err) {
				// Refused locally before any upstream call; health is unknown.
				o.logger.Info("provider throttled",
					zap.String("provider", string(id)),
					zap.Error(err),
				)
				continue
			}
			o.breaker.RecordFailure(id)
			o.logger.Warn("provider call failed",
				zap.String("provider", string(id)),
				zap.Duration("timeout", attempt.Timeout),
				zap.Duration("latency", attempt.Latency),
				zap.Bool("timeout_exceeded", provider.IsTimeout(err)),
				zap.Error(err),
			)
			continue
		}

		if err := o.ledger.Commit(context.WithoutCancel(ctx), reservation, res.CostUSD); err != nil {
			o.logger.Error("failed to commit reservation", zap.Error(err))
		}
		o.breaker.RecordSuccess(id)
		o.logger.Info("provider call succeeded",
			zap.String("provider", string(id)),
			zap.String("model", res.Model),
			zap.Float64("cost_usd", res.CostUSD),
			zap.Int("tokens_in", res.TokensIn),
			zap.Int("tokens_out", res.TokensOut),
			zap.Duration("latency", attempt.Latency),
		)

		latency := res.LatencyMs
		if latency == 0 {
			latency = attempt.Latency.Milliseconds()
		}
		return &models.AnalysisResult{
			Content:       res.Content,
			ProviderID:    id,
			Model:         res.Model,
			TokensIn:      res.TokensIn,
			TokensOut:     res.TokensOut,
			CostUSD:       res.CostUSD,
			LatencyMs:     latency,
			Sources:       res.Sources,
			ErrorMetadata: res.Warning,
			CreatedAt:     o.now().UTC(),
		}, nil
	}

	return nil, exhausted
}
