// Package providertest provides a scripted provider adapter for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/kamilpajak/wardwatch/internal/provider"
	"github.com/kamilpajak/wardwatch/internal/query"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// Step is one scripted outcome. Exactly one of Result or Err is used.
type Step struct {
	Result *provider.Result
	Err    error
	// Delay blocks the call until it elapses or the call context ends.
	Delay time.Duration
}

// Call records one Generate invocation.
type Call struct {
	Request provider.Request
	Timeout time.Duration
}

// Scripted returns queued steps in order and repeats the last one.
type Scripted struct {
	id      models.ProviderID
	pricing query.Pricing

	mu    sync.Mutex
	steps []Step
	calls []Call
}

// New creates a scripted adapter.
func New(id models.ProviderID, pricing query.Pricing, steps ...Step) *Scripted {
	return &Scripted{id: id, pricing: pricing, steps: steps}
}

// Succeed is a step returning content with the given token counts.
func Succeed(content string, tokensIn, tokensOut int) Step {
	return Step{Result: &provider.Result{Content: content, TokensIn: tokensIn, TokensOut: tokensOut}}
}

// Fail is a step returning err.
func Fail(err error) Step {
	return Step{Err: err}
}

func (s *Scripted) ID() models.ProviderID  { return s.id }
func (s *Scripted) Model() string          { return "scripted-" + string(s.id) }
func (s *Scripted) Pricing() query.Pricing { return s.pricing }

// Generate plays the next step.
func (s *Scripted) Generate(ctx context.Context, req provider.Request, timeout time.Duration) (*provider.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Request: req, Timeout: timeout})
	var step Step
	if len(s.steps) > 0 {
		step = s.steps[0]
		if len(s.steps) > 1 {
			s.steps = s.steps[1:]
		}
	}
	s.mu.Unlock()

	if step.Delay > 0 {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, &provider.Error{Provider: s.id, Kind: provider.KindTimeout, Err: ctx.Err()}
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Result == nil {
		return nil, &provider.Error{Provider: s.id, Kind: provider.KindInvalidResponse, Err: context.Canceled}
	}

	r := *step.Result
	r.Model = s.Model()
	r.CostUSD = s.pricing.Cost(r.TokensIn, r.TokensOut)
	return &r, nil
}

// Calls returns the recorded invocations.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}
