// Package breaker tracks per-provider health and temporarily excludes
// failing providers from routing.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/pkg/models"
)

// State is the circuit state of one provider.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// DefaultConfig returns 5 failures to open, 3 successes to close and a five
// minute recovery timeout.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 3, RecoveryTimeout: 5 * time.Minute}
}

// ProviderState is a point-in-time copy of one provider's circuit.
type ProviderState struct {
	ProviderID           models.ProviderID `json:"provider_id"`
	State                State             `json:"state"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
	ConsecutiveSuccesses int               `json:"consecutive_successes"`
	OpenedAt             *time.Time        `json:"opened_at,omitempty"`
	TotalSuccesses       int64             `json:"total_successes"`
	TotalFailures        int64             `json:"total_failures"`
}

// circuit is the mutable state of one provider, guarded by its own mutex so
// that unrelated providers never contend.
type circuit struct {
	mu       sync.Mutex
	state    State
	failures int
	success  int
	openedAt time.Time
	totalOK  int64
	totalErr int64
}

// Breaker is the registry of per-provider circuits.
type Breaker struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu       sync.RWMutex
	circuits map[models.ProviderID]*circuit
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Breaker with a closed circuit for each given provider.
func New(cfg Config, providers []models.ProviderID, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	b := &Breaker{
		cfg:      cfg,
		now:      time.Now,
		logger:   zap.NewNop(),
		circuits: make(map[models.ProviderID]*circuit, len(providers)),
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, p := range providers {
		b.circuits[p] = &circuit{state: StateClosed}
	}
	return b
}

// Config returns the breaker thresholds.
func (b *Breaker) Config() Config {
	return b.cfg
}

func (b *Breaker) get(id models.ProviderID) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[id]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.circuits[id]; !ok {
		c = &circuit{state: StateClosed}
		b.circuits[id] = c
	}
	return c
}

// advance moves an open circuit to half-open once the recovery timeout has
// elapsed. The caller must hold c.mu.
func (b *Breaker) advance(id models.ProviderID, c *circuit) {
	if c.state == StateOpen && b.now().Sub(c.openedAt) >= b.cfg.RecoveryTimeout {
		c.state = StateHalfOpen
		c.success = 0
		c.failures = 0
		b.logger.Info("circuit half-open", zap.String("provider", string(id)))
	}
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess(id models.ProviderID) {
	c := b.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	b.advance(id, c)
	c.totalOK++
	c.failures = 0

	switch c.state {
	case StateHalfOpen:
		c.success++
		if c.success >= b.cfg.SuccessThreshold {
			c.state = StateClosed
			c.success = 0
			c.openedAt = time.Time{}
			b.logger.Info("circuit closed", zap.String("provider", string(id)))
		}
	case StateClosed:
		c.success++
	case StateOpen:
		// A late success from a call started before the circuit opened does
		// not close it; recovery goes through half-open.
	}
}

// RecordFailure registers a failed call.
func (b *Breaker) RecordFailure(id models.ProviderID) {
	c := b.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	b.advance(id, c)
	c.totalErr++
	c.success = 0

	switch c.state {
	case StateHalfOpen:
		b.open(id, c)
	case StateClosed:
		c.failures++
		if c.failures >= b.cfg.FailureThreshold {
			b.open(id, c)
		}
	case StateOpen:
		c.failures++
	}
}

func (b *Breaker) open(id models.ProviderID, c *circuit) {
	c.state = StateOpen
	c.openedAt = b.now()
	b.logger.Warn("circuit opened",
		zap.String("provider", string(id)),
		zap.Int("consecutive_failures", c.failures),
		zap.Duration("recovery_timeout", b.cfg.RecoveryTimeout),
	)
}

// IsAvailable reports whether the provider may be called (closed or half-open).
func (b *Breaker) IsAvailable(id models.ProviderID) bool {
	c := b.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	b.advance(id, c)
	return c.state != StateOpen
}

// State returns a copy of one provider's circuit.
func (b *Breaker) State(id models.ProviderID) ProviderState {
	c := b.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	b.advance(id, c)
	return c.snapshot(id)
}

// Snapshot returns a copy of every known circuit.
func (b *Breaker) Snapshot() map[models.ProviderID]ProviderState {
	b.mu.RLock()
	ids := make([]models.ProviderID, 0, len(b.circuits))
	for id := range b.circuits {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	out := make(map[models.ProviderID]ProviderState, len(ids))
	for _, id := range ids {
		out[id] = b.State(id)
	}
	return out
}

// Reliability returns the smoothed historical success ratio of a provider,
// (successes+1)/(calls+2), so an unused provider scores 0.5.
func (b *Breaker) Reliability(id models.ProviderID) float64 {
	c := b.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.totalOK+1) / float64(c.totalOK+c.totalErr+2)
}

// RetryAfter returns how long until the earliest open circuit among ids
// becomes half-open. It returns zero when any of them is available.
func (b *Breaker) RetryAfter(ids []models.ProviderID) time.Duration {
	var earliest time.Duration
	for i, id := range ids {
		st := b.State(id)
		if st.State != StateOpen {
			return 0
		}
		wait := b.cfg.RecoveryTimeout - b.now().Sub(*st.OpenedAt)
		if wait < 0 {
			wait = 0
		}
		if i == 0 || wait < earliest {
			earliest = wait
		}
	}
	return earliest
}

func (c *circuit) snapshot(id models.ProviderID) ProviderState {
	ps := ProviderState{
		ProviderID:           id,
		State:                c.state,
		ConsecutiveFailures:  c.failures,
		ConsecutiveSuccesses: c.success,
		TotalSuccesses:       c.totalOK,
		TotalFailures:        c.totalErr,
	}
	if c.state == StateOpen || c.state == StateHalfOpen {
		t := c.openedAt
		ps.OpenedAt = &t
	}
	return ps
}
