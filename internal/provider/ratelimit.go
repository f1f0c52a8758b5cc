package provider

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/kamilpajak/wardwatch/internal/query"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// RateLimited throttles calls to an adapter with a token bucket. Time spent
// waiting for a token counts against the call timeout.
type RateLimited struct {
	inner   Adapter
	limiter *rate.Limiter
}

// NewRateLimited allows perMinute calls per minute with a burst of one.
func NewRateLimited(inner Adapter, perMinute int) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (r *RateLimited) ID() models.ProviderID  { return r.inner.ID() }
func (r *RateLimited) Model() string          { return r.inner.Model() }
func (r *RateLimited) Pricing() query.Pricing { return r.inner.Pricing() }

// Generate waits for a token and then delegates with the remaining timeout.
// Running out of time while waiting is reported as KindThrottled.
func (r *RateLimited) Generate(ctx context.Context, req Request, timeout time.Duration) (*Result, error) {
	start := time.Now()
	waitCtx, cancel := callContext(ctx, timeout)
	err := r.limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		return nil, &Error{Provider: r.inner.ID(), Kind: KindThrottled, Err: err}
	}

	if timeout > 0 {
		timeout -= time.Since(start)
		if timeout <= 0 {
			return nil, &Error{Provider: r.inner.ID(), Kind: KindThrottled, Err: context.DeadlineExceeded}
		}
	}
	return r.inner.Generate(ctx, req, timeout)
}
