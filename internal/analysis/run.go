// Package analysis runs one request through the pipeline: classify, route,
// execute, score, and publish the result to the request topic.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/internal/confidence"
	"github.com/kamilpajak/wardwatch/internal/orchestrator"
	"github.com/kamilpajak/wardwatch/internal/provider"
	"github.com/kamilpajak/wardwatch/internal/query"
	"github.com/kamilpajak/wardwatch/internal/router"
	"github.com/kamilpajak/wardwatch/internal/stream"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// DefaultTopic receives results for requests that name no topic.
const DefaultTopic = "global"

const maxQueryLength = 4000

// ValidationError reports a malformed request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation checks if an error is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// Params is one analysis request.
type Params struct {
	Query   string
	Topic   string
	Context map[string]string
	Depth   models.Depth
	Stance  models.Stance
	// RequiresRealTime is the caller's explicit "needs current data" hint.
	RequiresRealTime bool
	// EnableConsensus and ConfidenceThreshold override the service defaults
	// when set.
	EnableConsensus     *bool
	ConfidenceThreshold *float64
}

// Response is the scored result of a request.
type Response struct {
	RequestID        uuid.UUID              `json:"request_id"`
	Topic            string                 `json:"topic"`
	Result           *models.AnalysisResult `json:"result"`
	Analysis         models.QueryAnalysis   `json:"analysis"`
	Plan             []models.ProviderID    `json:"plan"`
	Fallback         bool                   `json:"fallback"`
	EventID          uint64                 `json:"event_id,omitempty"`
	ProcessingTimeMs int64                  `json:"processing_time_ms"`
}

// Intelligence is the payload of an intelligence event.
type Intelligence struct {
	RequestID uuid.UUID              `json:"request_id"`
	Query     string                 `json:"query"`
	Tier      models.Tier            `json:"tier"`
	Result    *models.AnalysisResult `json:"result"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	Analyzer     *query.Analyzer
	Router       *router.Router
	Orchestrator *orchestrator.Orchestrator
	Scorer       *confidence.Scorer
	Ledger       *budget.Ledger
	Publisher    *stream.Publisher
	// Defaults apply when a request does not set its own scoring options.
	Defaults confidence.Options
	Logger   *zap.Logger
}

// Service runs analysis requests. It is safe for concurrent use.
type Service struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: d, logger: logger, now: time.Now}
}

// Ledger returns the budget ledger the service charges.
func (s *Service) Ledger() *budget.Ledger {
	return s.deps.Ledger
}

// Publisher returns the stream publisher results are delivered to.
func (s *Service) Publisher() *stream.Publisher {
	return s.deps.Publisher
}

// Run executes the full pipeline. Routing and execution failures are also
// reported on the topic as recoverable error events.
func (s *Service) Run(ctx context.Context, p Params) (*Response, error) {
	start := s.now()
	p, err := normalize(p)
	if err != nil {
		return nil, err
	}

	if s.deps.Publisher != nil && s.deps.Publisher.Completed(p.Topic) {
		return nil, fmt.Errorf("topic %s: %w", p.Topic, stream.ErrTopicComplete)
	}

	requestID := uuid.New()
	logger := s.logger.With(
		zap.String("request_id", requestID.String()),
		zap.String("topic", p.Topic),
	)

	a := s.deps.Analyzer.Analyze(query.Input{
		Query:            p.Query,
		Topic:            p.Topic,
		Context:          p.Context,
		Depth:            p.Depth,
		Stance:           p.Stance,
		RequiresRealTime: p.RequiresRealTime,
	})
	logger.Debug("query analyzed",
		zap.String("tier", string(a.Tier)),
		zap.Float64("complexity", a.Complexity),
		zap.Float64("urgency", a.Urgency),
		zap.Bool("realtime", a.RequiresRealTimeData),
	)

	plan, err := s.deps.Router.Route(a)
	if err != nil {
		logger.Warn("no provider available", zap.Error(err))
		s.publishFailure(logger, p.Topic, err)
		return nil, err
	}

	req := provider.Request{
		Query:   p.Query,
		Topic:   p.Topic,
		Context: p.Context,
		Depth:   p.Depth,
		Stance:  p.Stance,
	}
	result, err := s.deps.Orchestrator.Execute(ctx, plan, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The request itself ran out; per-call timeouts alone are
			// reported as exhaustion.
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		logger.Warn("analysis failed", zap.Error(err))
		s.publishFailure(logger, p.Topic, err)
		return nil, err
	}

	scored := s.deps.Scorer.Score(ctx, result, plan, req, s.options(p))

	resp := &Response{
		RequestID:        requestID,
		Topic:            p.Topic,
		Result:           scored,
		Analysis:         a,
		Plan:             plan.Providers,
		Fallback:         plan.Fallback,
		ProcessingTimeMs: s.now().Sub(start).Milliseconds(),
	}

	if s.deps.Publisher != nil {
		e, err := s.deps.Publisher.Publish(p.Topic, stream.EventIntelligence, Intelligence{
			RequestID: requestID,
			Query:     p.Query,
			Tier:      a.Tier,
			Result:    scored,
		})
		if err != nil {
			logger.Error("failed to publish result", zap.Error(err))
		} else {
			resp.EventID = e.ID
		}
	}
	s.alertOnEscalation(logger, p.Topic)

	logger.Info("analysis complete",
		zap.String("provider", string(scored.ProviderID)),
		zap.Float64("confidence", scored.Confidence),
		zap.Bool("consensus_applied", scored.ConsensusApplied),
		zap.Float64("cost_usd", scored.TotalCostUSD()),
		zap.Int64("processing_time_ms", resp.ProcessingTimeMs),
	)
	return resp, nil
}

func normalize(p Params) (Params, error) {
	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" {
		return p, &ValidationError{Field: "query", Message: "must not be empty"}
	}
	if len(p.Query) > maxQueryLength {
		return p, &ValidationError{Field: "query", Message: fmt.Sprintf("must be at most %d characters", maxQueryLength)}
	}
	p.Topic = strings.TrimSpace(p.Topic)
	if p.Topic == "" {
		p.Topic = DefaultTopic
	}
	if p.ConfidenceThreshold != nil && (*p.ConfidenceThreshold < 0 || *p.ConfidenceThreshold > 1) {
		return p, &ValidationError{Field: "confidence_threshold", Message: "must be within [0,1]"}
	}
	p.Depth = models.ParseDepth(string(p.Depth))
	p.Stance = models.ParseStance(string(p.Stance))
	return p, nil
}

func (s *Service) options(p Params) confidence.Options {
	opts := s.deps.Defaults
	if p.EnableConsensus != nil {
		opts.EnableConsensus = *p.EnableConsensus
	}
	if p.ConfidenceThreshold != nil {
		opts.Threshold = *p.ConfidenceThreshold
	}
	return opts
}

// alertOnEscalation publishes a budget alert the first time the period
// reaches a new level.
func (s *Service) alertOnEscalation(logger *zap.Logger, topic string) {
	if s.deps.Ledger == nil {
		return
	}
	lvl, escalated := s.deps.Ledger.Escalation()
	if !escalated || lvl == budget.LevelOK {
		return
	}
	snap := s.deps.Ledger.Snapshot()
	logger.Warn("budget threshold crossed",
		zap.String("level", string(lvl)),
		zap.Float64("utilization", snap.Utilization),
		zap.Float64("cost_usd", snap.SpentUSD),
	)
	if s.deps.Publisher == nil {
		return
	}
	msg := fmt.Sprintf("budget %s: $%.2f of $%.2f spent this %s period", lvl, snap.SpentUSD, snap.LimitUSD, snap.Period)
	_, err := s.deps.Publisher.Publish(topic, stream.EventAlert, stream.AlertPayload{
		Level:       string(lvl),
		Message:     msg,
		Utilization: snap.Utilization,
		SpentUSD:    snap.SpentUSD,
		LimitUSD:    snap.LimitUSD,
	})
	if err != nil {
		logger.Error("failed to publish budget alert", zap.Error(err))
	}
}

func (s *Service) publishFailure(logger *zap.Logger, topic string, err error) {
	if s.deps.Publisher == nil || errors.Is(err, context.Canceled) {
		return
	}
	if _, perr := s.deps.Publisher.PublishError(topic, err.Error(), ErrorCode(err), true); perr != nil {
		logger.Error("failed to publish error event", zap.Error(perr))
	}
}

// ErrorCode maps a pipeline error to a stable machine-readable code.
func ErrorCode(err error) string {
	var unavailable *router.UnavailableError
	switch {
	case IsValidation(err):
		return "invalid_request"
	case budget.IsExceeded(err):
		return "budget_exceeded"
	case errors.As(err, &unavailable) && unavailable.BudgetLimited:
		return "budget_exceeded"
	case errors.Is(err, router.ErrAllProvidersUnavailable):
		return "providers_unavailable"
	case errors.Is(err, stream.ErrTopicComplete):
		return "topic_complete"
	case orchestrator.IsExhausted(err):
		return "providers_exhausted"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal_error"
	}
}
