// Package router turns a query profile into an ordered provider plan using
// the policy table and the current breaker and budget state.
package router

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/internal/breaker"
	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/internal/provider"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// ErrAllProvidersUnavailable is returned when not even the local fallback
// can be called.
var ErrAllProvidersUnavailable = errors.New("all providers unavailable")

// UnavailableError carries enough detail for a caller to decide when to retry.
type UnavailableError struct {
	// RetryAfter is the time until the earliest open circuit goes half-open.
	RetryAfter time.Duration
	// BudgetLimited is set when at least one paid provider was excluded by
	// budget rather than by its circuit.
	BudgetLimited bool
	ResetAt       time.Time
}

func (e *UnavailableError) Error() string {
	if e.BudgetLimited {
		return fmt.Sprintf("%v: budget exhausted until %s and local fallback is down",
			ErrAllProvidersUnavailable, e.ResetAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("%v: retry after %s", ErrAllProvidersUnavailable, e.RetryAfter.Round(time.Second))
}

func (e *UnavailableError) Unwrap() error {
	return ErrAllProvidersUnavailable
}

// Exclusion reasons recorded on a plan.
const (
	ReasonDisabled    = "disabled"
	ReasonCircuitOpen = "circuit_open"
	ReasonBudget      = "budget"
)

// inputTokenMargin pads the input estimate. Output is capped per call, but
// the prompt size is only known to the provider's tokenizer.
const inputTokenMargin = 2

// Plan is the ordered list of providers to try for one request.
type Plan struct {
	Tier      models.Tier
	Providers []models.ProviderID
	// Estimates holds the per-provider cost estimate to reserve.
	Estimates map[models.ProviderID]float64
	// TokensIn and MaxTokensOut are the token counts the estimates were
	// priced at. Every call is capped at MaxTokensOut.
	TokensIn     int
	MaxTokensOut int
	Excluded     map[models.ProviderID]string
	// Fallback is set when every canonical provider was filtered and the
	// plan degraded to the local provider.
	Fallback bool
}

// Without returns a copy of the plan with id removed.
func (p Plan) Without(id models.ProviderID) Plan {
	out := p
	out.Providers = make([]models.ProviderID, 0, len(p.Providers))
	for _, pid := range p.Providers {
		if pid != id {
			out.Providers = append(out.Providers, pid)
		}
	}
	return out
}

// Catalog exposes the enabled adapters.
type Catalog interface {
	Get(id models.ProviderID) (provider.Adapter, bool)
}

// Router builds plans. It is safe for concurrent use.
type Router struct {
	policy  *Policy
	catalog Catalog
	breaker *breaker.Breaker
	ledger  *budget.Ledger
	logger  *zap.Logger
}

// New creates a Router.
func New(policy *Policy, catalog Catalog, br *breaker.Breaker, ledger *budget.Ledger, logger *zap.Logger) *Router {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{policy: policy, catalog: catalog, breaker: br, ledger: ledger, logger: logger}
}

// Route builds a plan for the analysis against the live breaker and budget state.
func (r *Router) Route(a models.QueryAnalysis) (Plan, error) {
	return r.plan(a, r.breaker.Snapshot(), r.ledger.Snapshot())
}

// plan filters the canonical order without ever reordering it.
func (r *Router) plan(a models.QueryAnalysis, circuits map[models.ProviderID]breaker.ProviderState, spend budget.Snapshot) (Plan, error) {
	canonical := r.policy.Canonical(a)
	p := Plan{
		Tier:         a.Tier,
		Estimates:    make(map[models.ProviderID]float64, len(canonical)),
		TokensIn:     a.EstimatedTokensIn * inputTokenMargin,
		MaxTokensOut: a.EstimatedTokensOut,
		Excluded:     make(map[models.ProviderID]string),
	}

	for _, id := range canonical {
		adapter, ok := r.catalog.Get(id)
		if !ok {
			p.Excluded[id] = ReasonDisabled
			continue
		}
		if st, ok := circuits[id]; ok && st.State == breaker.StateOpen {
			p.Excluded[id] = ReasonCircuitOpen
			continue
		}
		est := adapter.Pricing().Cost(p.TokensIn, p.MaxTokensOut)
		if id.IsFree() {
			est = 0
		}
		if !spend.Affordable(id, est) {
			p.Excluded[id] = ReasonBudget
			continue
		}
		p.Providers = append(p.Providers, id)
		p.Estimates[id] = est
	}

	if len(p.Providers) > 0 {
		return p, nil
	}

	if _, ok := r.catalog.Get(models.ProviderLocal); ok {
		if st, ok := circuits[models.ProviderLocal]; !ok || st.State != breaker.StateOpen {
			p.Providers = []models.ProviderID{models.ProviderLocal}
			p.Estimates[models.ProviderLocal] = 0
			p.Fallback = true
			r.logger.Warn("routing degraded to local fallback",
				zap.String("tier", string(a.Tier)),
				zap.Any("excluded", p.Excluded),
			)
			return p, nil
		}
	}

	uerr := &UnavailableError{ResetAt: spend.PeriodEnd}
	var open []models.ProviderID
	for id, reason := range p.Excluded {
		switch reason {
		case ReasonBudget:
			uerr.BudgetLimited = true
		case ReasonCircuitOpen:
			open = append(open, id)
		}
	}
	if st, ok := circuits[models.ProviderLocal]; ok && st.State == breaker.StateOpen &&
		p.Excluded[models.ProviderLocal] != ReasonCircuitOpen {
		open = append(open, models.ProviderLocal)
	}
	uerr.RetryAfter = r.breaker.RetryAfter(open)
	r.logger.Error("no provider available",
		zap.String("tier", string(a.Tier)),
		zap.Any("excluded", p.Excluded),
		zap.Duration("retry_after", uerr.RetryAfter),
	)
	return p, uerr
}
