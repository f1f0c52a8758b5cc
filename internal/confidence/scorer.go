// Package confidence scores provider results and, for low-confidence
// results, corroborates them with a second provider.
package confidence

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/internal/provider"
	"github.com/kamilpajak/wardwatch/internal/router"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// Signal weights of the base score.
const (
	weightCompleteness = 0.30
	weightReliability  = 0.25
	weightStructure    = 0.20
	weightClean        = 0.15
	weightCitations    = 0.10

	// wordsForComplete is the word count at which completeness saturates.
	wordsForComplete = 150
	// citationsForFull is the citation count at which the citation signal saturates.
	citationsForFull = 3

	// Blend of base score and agreement after consensus.
	consensusBaseWeight      = 0.6
	consensusAgreementWeight = 0.4
)

// Reliability reports the historical success ratio of a provider.
type Reliability interface {
	Reliability(id models.ProviderID) float64
}

// Executor runs a routing plan. *orchestrator.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, plan router.Plan, req provider.Request) (*models.AnalysisResult, error)
}

// Options are the per-request scoring knobs.
type Options struct {
	Threshold       float64
	EnableConsensus bool
}

// Signals are the normalized inputs of the base score, each in [0,1].
type Signals struct {
	Completeness float64
	Reliability  float64
	Structure    float64
	Clean        float64
	Citations    float64
}

// Base combines the signals into a confidence in [0,1].
func (s Signals) Base() float64 {
	v := weightCompleteness*clamp01(s.Completeness) +
		weightReliability*clamp01(s.Reliability) +
		weightStructure*clamp01(s.Structure) +
		weightClean*clamp01(s.Clean) +
		weightCitations*clamp01(s.Citations)
	return clamp01(v)
}

// Scorer scores results. It is safe for concurrent use.
type Scorer struct {
	reliability Reliability
	executor    Executor
	logger      *zap.Logger
}

// NewScorer creates a Scorer. executor may be nil to disable consensus.
func NewScorer(rel Reliability, exec Executor, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{reliability: rel, executor: exec, logger: logger}
}

// Signals extracts the scoring inputs from a result.
func (s *Scorer) Signals(r *models.AnalysisResult) Signals {
	words := len(strings.Fields(r.Content))
	return Signals{
		Completeness: float64(words) / wordsForComplete,
		Reliability:  s.reliability.Reliability(r.ProviderID),
		Structure:    structureScore(r.Content),
		Clean:        cleanScore(r),
		Citations:    float64(countCitations(r)) / citationsForFull,
	}
}

// Score returns a copy of r with confidence set. If consensus is enabled and
// the base confidence is below the threshold, one more provider from plan
// (excluding the one that produced r) is consulted and the agreement
// between both answers is blended in. The original content is kept.
func (s *Scorer) Score(ctx context.Context, r *models.AnalysisResult, plan router.Plan, req provider.Request, opts Options) *models.AnalysisResult {
	out := *r
	out.Sources = append([]models.Citation(nil), r.Sources...)
	base := s.Signals(r).Base()
	out.Confidence = base
	out.LowConfidence = base < opts.Threshold

	if !opts.EnableConsensus || !out.LowConfidence || s.executor == nil {
		return &out
	}

	rest := plan.Without(r.ProviderID)
	if len(rest.Providers) == 0 {
		s.logger.Info("no second provider for consensus", zap.String("provider", string(r.ProviderID)))
		return &out
	}

	second, err := s.executor.Execute(ctx, rest, req)
	if err != nil {
		s.logger.Warn("consensus call failed, keeping base confidence",
			zap.String("provider", string(r.ProviderID)),
			zap.Error(err),
		)
		return &out
	}

	agreement := Agreement(r.Content, second.Content)
	out.Confidence = clamp01(consensusBaseWeight*base + consensusAgreementWeight*agreement)
	out.ConsensusApplied = true
	out.ConsensusProvider = second.ProviderID
	out.ConsensusCostUSD = second.CostUSD
	out.Agreement = agreement
	out.LowConfidence = out.Confidence < opts.Threshold
	out.Sources = mergeSources(out.Sources, second.Sources)

	s.logger.Info("consensus applied",
		zap.String("provider", string(r.ProviderID)),
		zap.String("consensus_provider", string(second.ProviderID)),
		zap.Float64("base", base),
		zap.Float64("agreement", agreement),
		zap.Float64("confidence", out.Confidence),
	)
	return &out
}

var (
	headingRe = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+\S`)
	listRe    = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+\S`)
	urlRe     = regexp.MustCompile(`https?://[^\s)\]>"']+`)
	termRe    = regexp.MustCompile(`[\p{L}\p{N}]+`)
)

// structureScore awards a third each for headings, lists and multiple
// paragraphs.
func structureScore(content string) float64 {
	score := 0.0
	if headingRe.MatchString(content) {
		score += 1.0 / 3
	}
	if listRe.MatchString(content) {
		score += 1.0 / 3
	}
	paragraphs := 0
	for _, p := range strings.Split(content, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}
	if paragraphs >= 2 {
		score += 1.0 / 3
	}
	return score
}

var errorMarkers = []string{
	"i'm sorry", "i am sorry", "i cannot", "i can't", "as an ai",
	"unable to provide", "error:", "no information available",
}

func cleanScore(r *models.AnalysisResult) float64 {
	if r.ErrorMetadata != "" {
		return 0
	}
	lower := strings.ToLower(r.Content)
	for _, m := range errorMarkers {
		if strings.Contains(lower, m) {
			return 0
		}
	}
	return 1
}

// countCitations counts distinct URLs in the sources and the content.
func countCitations(r *models.AnalysisResult) int {
	seen := make(map[string]bool)
	for _, s := range r.Sources {
		if s.URL != "" {
			seen[s.URL] = true
		}
	}
	for _, u := range urlRe.FindAllString(r.Content, -1) {
		seen[strings.TrimRight(u, ".,;:")] = true
	}
	return len(seen)
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true, "with": true,
	"from": true, "have": true, "has": true, "are": true, "was": true, "were": true,
	"will": true, "would": true, "could": true, "should": true, "been": true,
	"their": true, "there": true, "which": true, "about": true, "into": true,
	"than": true, "then": true, "they": true, "them": true, "also": true,
	"more": true, "most": true, "some": true, "such": true, "only": true,
	"over": true, "very": true, "what": true, "when": true, "where": true,
	"while": true, "these": true, "those": true, "other": true, "being": true,
}

// keyTerms returns the lowercased content words of at least four characters.
func keyTerms(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, w := range termRe.FindAllString(strings.ToLower(text), -1) {
		if len([]rune(w)) >= 4 && !stopwords[w] {
			terms[w] = true
		}
	}
	return terms
}

// Agreement is the Jaccard overlap of the key terms of a and b, in [0,1].
func Agreement(a, b string) float64 {
	ta, tb := keyTerms(a), keyTerms(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func mergeSources(a, b []models.Citation) []models.Citation {
	seen := make(map[string]bool, len(a))
	for _, c := range a {
		seen[c.URL] = true
	}
	for _, c := range b {
		if !seen[c.URL] {
			seen[c.URL] = true
			a = append(a, c)
		}
	}
	return a
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
