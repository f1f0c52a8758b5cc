// Package budget enforces the spending cap on paid providers. Every paid
// call reserves its estimated cost up front and later commits the real cost
// or releases the reservation.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/pkg/models"
)

// ErrReservationSettled is returned when a reservation is committed or
// released a second time.
var ErrReservationSettled = errors.New("reservation already settled")

// Config is the budget configuration loaded at startup.
type Config struct {
	Period           PeriodType `mapstructure:"period"`
	LimitUSD         float64    `mapstructure:"limit_usd"`
	WarningPct       float64    `mapstructure:"warning_pct"`
	CriticalPct      float64    `mapstructure:"critical_pct"`
	EmergencyPct     float64    `mapstructure:"emergency_pct"`
	ReservationSlack float64    `mapstructure:"reservation_slack"`
}

// DefaultConfig returns a monthly $333 cap with 70/85/95% thresholds and no slack.
func DefaultConfig() Config {
	return Config{
		Period:       PeriodMonthly,
		LimitUSD:     333,
		WarningPct:   0.70,
		CriticalPct:  0.85,
		EmergencyPct: 0.95,
	}
}

// Validate checks that the thresholds are ordered and the limit is positive.
func (c Config) Validate() error {
	if c.LimitUSD <= 0 {
		return fmt.Errorf("budget limit must be positive, got %v", c.LimitUSD)
	}
	if _, err := ParsePeriodType(string(c.Period)); err != nil {
		return err
	}
	if !(0 < c.WarningPct && c.WarningPct <= c.CriticalPct && c.CriticalPct <= c.EmergencyPct && c.EmergencyPct <= 1) {
		return fmt.Errorf("budget thresholds must satisfy 0 < warning <= critical <= emergency <= 1, got %v/%v/%v",
			c.WarningPct, c.CriticalPct, c.EmergencyPct)
	}
	if c.ReservationSlack < 0 {
		return fmt.Errorf("reservation slack must not be negative, got %v", c.ReservationSlack)
	}
	return nil
}

// Level is the utilization band of the active period.
type Level string

const (
	LevelOK        Level = "ok"
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelEmergency Level = "emergency"
)

func (l Level) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	case LevelEmergency:
		return 3
	default:
		return 0
	}
}

// Above reports whether l is a strictly higher band than other.
func (l Level) Above(other Level) bool {
	return l.rank() > other.rank()
}

// micros is an amount in millionths of a dollar. Integer arithmetic keeps
// reserve/release exact.
type micros int64

func toMicros(usd float64) micros {
	return micros(math.Round(usd * 1e6))
}

func (m micros) usd() float64 {
	return float64(m) / 1e6
}

// period is one budget window. Its counters are guarded by its own mutex.
type period struct {
	start time.Time
	end   time.Time

	mu       sync.Mutex
	spent    micros // committed spend plus outstanding reservations
	reserved micros // outstanding reservations only
	alerted  Level  // highest level already reported for this period
}

// clamp pins t inside [start, end) so journal entries are always summed into
// the period that owns them.
func (p *period) clamp(t time.Time) time.Time {
	if t.Before(p.start) {
		return p.start
	}
	if !t.Before(p.end) {
		return p.end.Add(-time.Microsecond)
	}
	return t
}

// Reservation is a provisional deduction against the period that was
// active when it was made.
type Reservation struct {
	ID          uuid.UUID
	Provider    models.ProviderID
	EstimateUSD float64

	amount  micros
	period  *period
	settled atomic.Bool
}

// PeriodStart returns the start of the period the reservation belongs to.
func (r *Reservation) PeriodStart() time.Time {
	return r.period.start
}

// Ledger tracks spend against the configured limit.
type Ledger struct {
	cfg     Config
	limit   micros
	admit   micros
	now     func() time.Time
	logger  *zap.Logger
	journal Journal

	current atomic.Pointer[period]
	rollMu  sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the ledger logger.
func WithLogger(lg *zap.Logger) Option {
	return func(l *Ledger) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithJournal persists committed spend so it survives restarts.
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// NewLedger creates a ledger with an empty period containing the current time.
func NewLedger(cfg Config, opts ...Option) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		cfg:    cfg,
		limit:  toMicros(cfg.LimitUSD),
		admit:  toMicros(cfg.LimitUSD * (1 + cfg.ReservationSlack)),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	start, end := Bounds(cfg.Period, l.now())
	l.current.Store(&period{start: start, end: end})
	return l, nil
}

// Config returns the ledger configuration.
func (l *Ledger) Config() Config {
	return l.cfg
}

// Restore loads committed spend for the active period from the journal.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.journal == nil {
		return nil
	}
	p := l.active()
	spent, err := l.journal.SpentBetween(ctx, p.start, p.end)
	if err != nil {
		return fmt.Errorf("failed to restore budget period: %w", err)
	}
	p.mu.Lock()
	p.spent = toMicros(spent) + p.reserved
	p.mu.Unlock()
	l.logger.Info("budget period restored",
		zap.Time("period_start", p.start),
		zap.Float64("spent_usd", spent),
	)
	return nil
}

// active returns the current period, rolling over first if it has ended.
func (l *Ledger) active() *period {
	now := l.now()
	p := l.current.Load()
	if now.Before(p.end) {
		return p
	}

	l.rollMu.Lock()
	defer l.rollMu.Unlock()
	p = l.current.Load()
	if now.Before(p.end) {
		return p
	}

	start, end := Bounds(l.cfg.Period, now)
	next := &period{start: start, end: end}
	if l.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		spent, err := l.journal.SpentBetween(ctx, start, end)
		cancel()
		if err != nil {
			l.logger.Error("failed to load spend for new period", zap.Error(err))
		} else {
			next.spent = toMicros(spent)
		}
	}
	l.current.Store(next)

	p.mu.Lock()
	final := p.spent
	p.mu.Unlock()
	l.logger.Info("budget period rolled over",
		zap.Time("previous_start", p.start),
		zap.Float64("previous_spent_usd", final.usd()),
		zap.Time("period_start", start),
		zap.Time("period_end", end),
	)
	return next
}

// Tick forces a rollover check. Servers call it periodically so that the
// period advances even without traffic.
func (l *Ledger) Tick() {
	l.active()
}

// Reserve provisionally adds estimateUSD to the active period if it fits
// within the limit. Free providers and zero estimates are always admitted.
func (l *Ledger) Reserve(provider models.ProviderID, estimateUSD float64) (*Reservation, error) {
	if estimateUSD < 0 {
		estimateUSD = 0
	}
	amount := toMicros(estimateUSD)
	if provider.IsFree() {
		amount = 0
	}

	p := l.active()
	p.mu.Lock()
	if amount > 0 && p.spent+amount > l.admit {
		spent := p.spent
		p.mu.Unlock()
		return nil, &ExceededError{
			LimitUSD:    l.cfg.LimitUSD,
			SpentUSD:    spent.usd(),
			EstimateUSD: estimateUSD,
			ResetAt:     p.end,
		}
	}
	p.spent += amount
	p.reserved += amount
	p.mu.Unlock()

	return &Reservation{
		ID:          uuid.New(),
		Provider:    provider,
		EstimateUSD: amount.usd(),
		amount:      amount,
		period:      p,
	}, nil
}

// Commit replaces the reservation's estimate with the actual cost. The
// reservation is settled against the period it was made in, even if a
// rollover happened in between.
func (l *Ledger) Commit(ctx context.Context, r *Reservation, actualUSD float64) error {
	if !r.settled.CompareAndSwap(false, true) {
		return ErrReservationSettled
	}
	if actualUSD < 0 {
		actualUSD = 0
	}
	actual := toMicros(actualUSD)
	if r.Provider.IsFree() {
		actual = 0
	}

	p := r.period
	p.mu.Lock()
	p.spent += actual - r.amount
	p.reserved -= r.amount
	spent := p.spent
	p.mu.Unlock()

	if spent > l.admit {
		l.logger.Warn("committed spend exceeds budget limit",
			zap.String("provider", string(r.Provider)),
			zap.Float64("spent_usd", spent.usd()),
			zap.Float64("limit_usd", l.cfg.LimitUSD),
		)
	}

	if l.journal != nil && actual > 0 {
		entry := Entry{
			ReservationID: r.ID,
			Provider:      r.Provider,
			AmountUSD:     actual.usd(),
			CommittedAt:   p.clamp(l.now()),
		}
		if err := l.journal.Append(ctx, entry); err != nil {
			l.logger.Error("failed to journal committed spend",
				zap.String("reservation_id", r.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Release refunds a reservation after a failed call.
func (l *Ledger) Release(r *Reservation) error {
	if !r.settled.CompareAndSwap(false, true) {
		return ErrReservationSettled
	}
	p := r.period
	p.mu.Lock()
	p.spent -= r.amount
	p.reserved -= r.amount
	p.mu.Unlock()
	return nil
}

// CurrentUtilization returns spent/limit for the active period.
func (l *Ledger) CurrentUtilization() float64 {
	p := l.active()
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.spent) / float64(l.limit)
}

// Level returns the utilization band of the active period.
func (l *Ledger) Level() Level {
	return l.levelFor(l.CurrentUtilization())
}

func (l *Ledger) levelFor(u float64) Level {
	switch {
	case u >= l.cfg.EmergencyPct:
		return LevelEmergency
	case u >= l.cfg.CriticalPct:
		return LevelCritical
	case u >= l.cfg.WarningPct:
		return LevelWarning
	default:
		return LevelOK
	}
}

// Escalation reports the current level if it is higher than any level
// previously reported for the active period, and records it. It returns
// false when there is nothing new to report.
func (l *Ledger) Escalation() (Level, bool) {
	p := l.active()
	p.mu.Lock()
	defer p.mu.Unlock()
	lvl := l.levelFor(float64(p.spent) / float64(l.limit))
	if !lvl.Above(p.alerted) {
		return lvl, false
	}
	p.alerted = lvl
	return lvl, true
}

// Snapshot is a point-in-time view of the active period.
type Snapshot struct {
	Period       PeriodType `json:"period"`
	PeriodStart  time.Time  `json:"period_start"`
	PeriodEnd    time.Time  `json:"period_end"`
	LimitUSD     float64    `json:"limit_usd"`
	SpentUSD     float64    `json:"spent_usd"`
	ReservedUSD  float64    `json:"reserved_usd"`
	Utilization  float64    `json:"utilization"`
	Level        Level      `json:"level"`
	WarningPct   float64    `json:"warning_pct"`
	CriticalPct  float64    `json:"critical_pct"`
	EmergencyPct float64    `json:"emergency_pct"`
}

// Snapshot returns the state of the active period.
func (l *Ledger) Snapshot() Snapshot {
	p := l.active()
	p.mu.Lock()
	spent, reserved := p.spent, p.reserved
	p.mu.Unlock()

	u := float64(spent) / float64(l.limit)
	return Snapshot{
		Period:       l.cfg.Period,
		PeriodStart:  p.start,
		PeriodEnd:    p.end,
		LimitUSD:     l.cfg.LimitUSD,
		SpentUSD:     spent.usd(),
		ReservedUSD:  reserved.usd(),
		Utilization:  u,
		Level:        l.levelFor(u),
		WarningPct:   l.cfg.WarningPct,
		CriticalPct:  l.cfg.CriticalPct,
		EmergencyPct: l.cfg.EmergencyPct,
	}
}

// Affordable reports whether adding estimateUSD keeps spend at or below the
// emergency threshold. Free providers are always affordable.
func (s Snapshot) Affordable(provider models.ProviderID, estimateUSD float64) bool {
	if provider.IsFree() || estimateUSD <= 0 {
		return true
	}
	return toMicros(s.SpentUSD)+toMicros(estimateUSD) <= toMicros(s.LimitUSD*s.EmergencyPct)
}
