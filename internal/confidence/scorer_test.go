package confidence

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamilpajak/wardwatch/internal/provider"
	"github.com/kamilpajak/wardwatch/internal/router"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

type fixedReliability float64

func (f fixedReliability) Reliability(models.ProviderID) float64 { return float64(f) }

type stubExecutor struct {
	result *models.AnalysisResult
	err    error
	plans  []router.Plan
}

func (s *stubExecutor) Execute(_ context.Context, plan router.Plan, _ provider.Request) (*models.AnalysisResult, error) {
	s.plans = append(s.plans, plan)
	return s.result, s.err
}

func words(n int, word string) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}

func TestSignals_Base(t *testing.T) {
	assert.Equal(t, 0.0, Signals{}.Base())
	assert.InDelta(t, 1.0, Signals{1, 1, 1, 1, 1}.Base(), 1e-12)
	assert.InDelta(t, 1.0, Signals{5, 5, 5, 5, 5}.Base(), 1e-12, "signals are clamped")
	assert.InDelta(t, 0.30, Signals{Completeness: 1}.Base(), 1e-12)
	assert.InDelta(t, 0.25, Signals{Reliability: 1}.Base(), 1e-12)
	assert.InDelta(t, 0.10, Signals{Citations: 1}.Base(), 1e-12)
}

func TestSignals_Monotonic(t *testing.T) {
	base := Signals{Completeness: 0.4, Reliability: 0.4, Structure: 0.4, Clean: 1, Citations: 0.4}
	fields := map[string]func(s *Signals, v float64){
		"completeness": func(s *Signals, v float64) { s.Completeness = v },
		"reliability":  func(s *Signals, v float64) { s.Reliability = v },
		"citations":    func(s *Signals, v float64) { s.Citations = v },
		"structure":    func(s *Signals, v float64) { s.Structure = v },
	}
	for name, set := range fields {
		t.Run(name, func(t *testing.T) {
			prev := -1.0
			for v := 0.0; v <= 1.5; v += 0.1 {
				s := base
				set(&s, v)
				got := s.Base()
				assert.GreaterOrEqual(t, got, prev)
				prev = got
			}
		})
	}
}

func TestScorer_SignalsFromResult(t *testing.T) {
	s := NewScorer(fixedReliability(0.9), nil, nil)
	r := &models.AnalysisResult{
		ProviderID: models.ProviderGeneral,
		Content:    "## Summary\n\n- point one see https://a.example/x.\n\nMore text https://b.example",
		Sources:    []models.Citation{{URL: "https://a.example/x"}, {URL: "https://c.example"}},
	}
	sig := s.Signals(r)
	assert.InDelta(t, 1.0, sig.Structure, 1e-9)
	assert.Equal(t, 1.0, sig.Clean)
	assert.InDelta(t, 1.0, sig.Citations, 1e-9, "three distinct URLs")
	assert.Equal(t, 0.9, sig.Reliability)

	r.ErrorMetadata = "output truncated at max tokens"
	assert.Zero(t, s.Signals(r).Clean)

	refusal := &models.AnalysisResult{Content: "I'm sorry, I cannot help with that."}
	assert.Zero(t, s.Signals(refusal).Clean)
}

func TestScore_NoConsensusAboveThreshold(t *testing.T) {
	exec := &stubExecutor{}
	s := NewScorer(fixedReliability(1), exec, nil)
	r := &models.AnalysisResult{ProviderID: models.ProviderGeneral, Content: words(200, "turnout")}

	out := s.Score(context.Background(), r, router.Plan{Providers: []models.ProviderID{"general", "local"}},
		provider.Request{}, Options{Threshold: 0.5, EnableConsensus: true})

	assert.False(t, out.ConsensusApplied)
	assert.False(t, out.LowConfidence)
	assert.Empty(t, exec.plans)
	assert.InDelta(t, 0.30+0.25+0.15, out.Confidence, 1e-9)
	assert.Zero(t, r.Confidence, "input is not modified")
}

func TestScore_ConsensusBlendsAgreement(t *testing.T) {
	second := &models.AnalysisResult{
		ProviderID: models.ProviderReasoning,
		Content:    "Turnout in ward seven increased sharply among younger voters",
		CostUSD:    0.02,
		Sources:    []models.Citation{{URL: "https://poll.example"}},
	}
	exec := &stubExecutor{result: second}
	s := NewScorer(fixedReliability(0.5), exec, nil)
	r := &models.AnalysisResult{
		ProviderID: models.ProviderGeneral,
		Content:    "Turnout in ward seven increased among older voters",
	}
	plan := router.Plan{Providers: []models.ProviderID{"general", "reasoning", "local"}}

	out := s.Score(context.Background(), r, plan, provider.Request{Query: "q"}, Options{Threshold: 0.8, EnableConsensus: true})

	require.Len(t, exec.plans, 1)
	assert.Equal(t, []models.ProviderID{"reasoning", "local"}, exec.plans[0].Providers)

	base := s.Signals(r).Base()
	agreement := Agreement(r.Content, second.Content)
	assert.Greater(t, agreement, 0.0)
	assert.InDelta(t, 0.6*base+0.4*agreement, out.Confidence, 1e-9)
	assert.True(t, out.ConsensusApplied)
	assert.Equal(t, models.ProviderReasoning, out.ConsensusProvider)
	assert.Equal(t, 0.02, out.ConsensusCostUSD)
	assert.Equal(t, r.Content, out.Content, "primary content is kept")
	assert.Len(t, out.Sources, 1)
}

func TestScore_ConsensusDisabledOrImpossible(t *testing.T) {
	r := &models.AnalysisResult{ProviderID: models.ProviderLocal, Content: "short"}

	exec := &stubExecutor{}
	s := NewScorer(fixedReliability(0.5), exec, nil)
	out := s.Score(context.Background(), r, router.Plan{Providers: []models.ProviderID{"general", "local"}},
		provider.Request{}, Options{Threshold: 0.9})
	assert.True(t, out.LowConfidence)
	assert.False(t, out.ConsensusApplied)
	assert.Empty(t, exec.plans)

	out = s.Score(context.Background(), r, router.Plan{Providers: []models.ProviderID{"local"}},
		provider.Request{}, Options{Threshold: 0.9, EnableConsensus: true})
	assert.False(t, out.ConsensusApplied)
	assert.Empty(t, exec.plans)
}

func TestScore_ConsensusFailureKeepsBase(t *testing.T) {
	exec := &stubExecutor{err: errors.New("all providers exhausted")}
	s := NewScorer(fixedReliability(0.5), exec, nil)
	r := &models.AnalysisResult{ProviderID: models.ProviderGeneral, Content: "short answer"}

	out := s.Score(context.Background(), r, router.Plan{Providers: []models.ProviderID{"general", "local"}},
		provider.Request{}, Options{Threshold: 0.9, EnableConsensus: true})

	assert.Len(t, exec.plans, 1)
	assert.False(t, out.ConsensusApplied)
	assert.True(t, out.LowConfidence)
	assert.InDelta(t, s.Signals(r).Base(), out.Confidence, 1e-12)
}

func TestAgreement(t *testing.T) {
	assert.Equal(t, 1.0, Agreement("Turnout rose sharply", "turnout ROSE sharply!"))
	assert.Equal(t, 0.0, Agreement("apples oranges", "bridges tunnels"))
	assert.Equal(t, 0.0, Agreement("", "anything here"))
	assert.Equal(t, 0.0, Agreement("the and for", "the and for"), "stopwords and short words are ignored")
	assert.InDelta(t, 1.0/3, Agreement("alpha bravo", "bravo charlie"), 1e-12)
}

func TestStructureScore(t *testing.T) {
	tests := []struct {
		content string
		want    float64
	}{
		{"plain sentence", 0},
		{"# Heading\nbody", 1.0 / 3},
		{"1. first\n2. second", 1.0 / 3},
		{"para one\n\npara two", 1.0 / 3},
		{"## Summary\n\n- bullet\n\nclosing", 1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, structureScore(tt.content), 1e-9, tt.content)
	}
}
