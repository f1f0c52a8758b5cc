// Package query classifies incoming analysis requests into a complexity,
// urgency and relevance profile used for routing.
package query

import (
	"strings"

	"github.com/kamilpajak/wardwatch/pkg/models"
)

// Input is the raw request as seen by the analyzer.
type Input struct {
	Query            string
	Topic            string
	Context          map[string]string
	Depth            models.Depth
	Stance           models.Stance
	RequiresRealTime bool
}

// TierCuts are the complexity cut points between tiers. A complexity below
// Simple is TierSimple, below Moderate is TierModerate, below Complex is
// TierComplex and anything else is TierUrgent. An urgency at or above
// UrgentPromotion promotes the request to TierUrgent regardless of complexity.
type TierCuts struct {
	Simple          float64 `yaml:"simple" mapstructure:"simple"`
	Moderate        float64 `yaml:"moderate" mapstructure:"moderate"`
	Complex         float64 `yaml:"complex" mapstructure:"complex"`
	UrgentPromotion float64 `yaml:"urgent_promotion" mapstructure:"urgent_promotion"`
}

// DefaultTierCuts returns the default classification thresholds.
func DefaultTierCuts() TierCuts {
	return TierCuts{Simple: 0.4, Moderate: 0.7, Complex: 0.9, UrgentPromotion: 0.8}
}

// Signal weights. Each signal is clamped to its weight before summing.
const (
	weightLength     = 0.3
	weightAnalytical = 0.4
	weightRealtime   = 0.2
	weightDepth      = 0.1

	// wordsForFullLength is the word count at which the length signal saturates.
	wordsForFullLength = 60
)

var analyticalKeywords = []string{
	"compare", "comparison", "strategy", "strategic", "forecast", "predict",
	"analyze", "analyse", "analysis", "trend", "impact", "assess", "evaluate",
	"scenario", "implication", "versus", " vs ",
}

var realtimeKeywords = []string{
	"today", "latest", "breaking", "right now", "current", "this week",
	"live", "tonight", "just announced", "recent",
}

var urgencyKeywords = []string{
	"urgent", "immediately", "breaking", "crisis", "emergency", "asap",
	"right now", "tonight", "deadline", "escalat",
}

var relevanceKeywords = []string{
	"election", "vote", "voter", "campaign", "candidate", "party", "ward",
	"council", "policy", "poll", "constituency", "manifesto", "opposition",
	"coalition", "turnout", "incumbent",
}

// Analyzer derives a QueryAnalysis from a request. It holds no mutable state.
type Analyzer struct {
	cuts    TierCuts
	pricing Pricing
}

// NewAnalyzer creates an analyzer with the given tier cut points.
func NewAnalyzer(cuts TierCuts) *Analyzer {
	return &Analyzer{cuts: cuts, pricing: ReferencePricing}
}

// Analyze classifies the request. It never fails: an empty or malformed
// query yields a minimal TierSimple analysis.
func (a *Analyzer) Analyze(in Input) models.QueryAnalysis {
	q := strings.ToLower(strings.TrimSpace(in.Query))
	if q == "" {
		return models.QueryAnalysis{
			Tier:                 models.TierSimple,
			RequiresRealTimeData: in.RequiresRealTime,
			EstimatedDurationMs:  baseDurationMs[models.TierSimple],
		}
	}

	realtime := in.RequiresRealTime || containsAny(q, realtimeKeywords) > 0

	complexity := clamp(
		clampTo(float64(wordCount(q))/wordsForFullLength*weightLength, weightLength)+
			clampTo(float64(containsAny(q, analyticalKeywords))*0.1, weightAnalytical)+
			boolWeight(realtime, weightRealtime)+
			clampTo(depthSignal(in.Depth)+topicSignal(in.Topic), weightDepth),
		0, 1)

	urgency := clamp(
		clampTo(float64(containsAny(q, urgencyKeywords))*0.2, 0.6)+
			boolWeight(realtime, 0.2)+
			stanceUrgency(in.Stance),
		0, 1)

	relevance := clamp(
		clampTo(float64(containsAny(q, relevanceKeywords))*0.15, 0.7)+
			boolWeight(in.Topic != "", 0.2)+
			boolWeight(in.Stance != "" && in.Stance != models.StanceNeutral, 0.1),
		0, 1)

	tier := a.tierFor(complexity, urgency)

	tokensIn := EstimateTokens(in.Query) + contextTokens(in.Context) + systemPromptTokens
	tokensOut := int(float64(depthOutputTokens(in.Depth)) * tierOutputScale[tier])

	duration := baseDurationMs[tier]
	if realtime {
		duration += 3000
	}

	return models.QueryAnalysis{
		Complexity:           complexity,
		Urgency:              urgency,
		PoliticalRelevance:   relevance,
		RequiresRealTimeData: realtime,
		EstimatedTokensIn:    tokensIn,
		EstimatedTokensOut:   tokensOut,
		EstimatedCostUSD:     a.pricing.Cost(tokensIn, tokensOut),
		EstimatedDurationMs:  duration,
		Tier:                 tier,
	}
}

func (a *Analyzer) tierFor(complexity, urgency float64) models.Tier {
	if a.cuts.UrgentPromotion > 0 && urgency >= a.cuts.UrgentPromotion {
		return models.TierUrgent
	}
	switch {
	case complexity < a.cuts.Simple:
		return models.TierSimple
	case complexity < a.cuts.Moderate:
		return models.TierModerate
	case complexity < a.cuts.Complex:
		return models.TierComplex
	default:
		return models.TierUrgent
	}
}

var baseDurationMs = map[models.Tier]int{
	models.TierSimple:   2000,
	models.TierModerate: 5000,
	models.TierComplex:  12000,
	models.TierUrgent:   8000,
}

var tierOutputScale = map[models.Tier]float64{
	models.TierSimple:   0.5,
	models.TierModerate: 1.0,
	models.TierComplex:  1.5,
	models.TierUrgent:   1.25,
}

func depthOutputTokens(d models.Depth) int {
	switch d {
	case models.DepthQuick:
		return 300
	case models.DepthDeep:
		return 2000
	default:
		return 800
	}
}

func depthSignal(d models.Depth) float64 {
	switch d {
	case models.DepthDeep:
		return 0.07
	case models.DepthStandard:
		return 0.04
	default:
		return 0
	}
}

func topicSignal(topic string) float64 {
	if strings.TrimSpace(topic) == "" {
		return 0
	}
	return 0.03
}

func stanceUrgency(s models.Stance) float64 {
	switch s {
	case models.StanceDefensive:
		return 0.2
	case models.StanceOffensive:
		return 0.1
	default:
		return 0
	}
}

// wordCount returns the number of whitespace separated words.
func wordCount(s string) int {
	return len(strings.Fields(s))
}

// containsAny counts how many keywords occur in s.
func containsAny(s string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(s, k) {
			n++
		}
	}
	return n
}

func boolWeight(b bool, w float64) float64 {
	if b {
		return w
	}
	return 0
}

func clampTo(v, max float64) float64 {
	return clamp(v, 0, max)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
