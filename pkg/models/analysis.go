package models

import "time"

// Tier is the threshold classification of a query's complexity.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
	TierUrgent   Tier = "urgent"
)

// Depth is the analysis depth requested by the caller.
type Depth string

const (
	DepthQuick    Depth = "quick"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

// Stance is the strategic context of a request.
type Stance string

const (
	StanceDefensive Stance = "defensive"
	StanceNeutral   Stance = "neutral"
	StanceOffensive Stance = "offensive"
)

// ParseDepth returns the depth for s, defaulting to standard.
func ParseDepth(s string) Depth {
	switch Depth(s) {
	case DepthQuick, DepthDeep:
		return Depth(s)
	default:
		return DepthStandard
	}
}

// ParseStance returns the stance for s, defaulting to neutral.
func ParseStance(s string) Stance {
	switch Stance(s) {
	case StanceDefensive, StanceOffensive:
		return Stance(s)
	default:
		return StanceNeutral
	}
}

// QueryAnalysis is the complexity/urgency profile of a single request.
// It is derived once and never mutated.
type QueryAnalysis struct {
	Complexity           float64 `json:"complexity"`
	Urgency              float64 `json:"urgency"`
	PoliticalRelevance   float64 `json:"political_relevance"`
	RequiresRealTimeData bool    `json:"requires_real_time_data"`
	EstimatedTokensIn    int     `json:"estimated_tokens_in"`
	EstimatedTokensOut   int     `json:"estimated_tokens_out"`
	EstimatedCostUSD     float64 `json:"estimated_cost_usd"`
	EstimatedDurationMs  int     `json:"estimated_duration_ms"`
	Tier                 Tier    `json:"tier"`
}

// Citation is a source reference attached to a result.
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// AnalysisResult is the output of one successful provider call, later
// revised by the confidence scorer.
type AnalysisResult struct {
	Content          string     `json:"content"`
	ProviderID       ProviderID `json:"provider_id"`
	Model            string     `json:"model,omitempty"`
	TokensIn         int        `json:"tokens_in"`
	TokensOut        int        `json:"tokens_out"`
	CostUSD          float64    `json:"cost_usd"`
	LatencyMs        int64      `json:"latency_ms"`
	Confidence       float64    `json:"confidence"`
	ConsensusApplied bool       `json:"consensus_applied"`
	Sources          []Citation `json:"sources"`

	// Set when a second provider was consulted for consensus.
	ConsensusProvider ProviderID `json:"consensus_provider,omitempty"`
	ConsensusCostUSD  float64    `json:"consensus_cost_usd,omitempty"`
	Agreement         float64    `json:"agreement,omitempty"`
	LowConfidence     bool       `json:"low_confidence"`

	// ErrorMetadata carries non-fatal provider warnings (truncation, safety filtering).
	ErrorMetadata string    `json:"error_metadata,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TotalCostUSD returns the cost of the result including any consensus call.
func (r *AnalysisResult) TotalCostUSD() float64 {
	return r.CostUSD + r.ConsensusCostUSD
}
