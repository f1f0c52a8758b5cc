// Package provider implements the uniform adapter contract over the
// inference backends (general, real-time search, deep reasoning and local).
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kamilpajak/wardwatch/internal/query"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// Request is what the orchestrator sends to an adapter.
type Request struct {
	Query     string
	Topic     string
	Context   map[string]string
	Depth     models.Depth
	Stance    models.Stance
	MaxTokens int
}

// Result is a successful provider response.
type Result struct {
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
	CostUSD   float64
	LatencyMs int64
	Sources   []models.Citation
	// Warning describes a non-fatal problem such as truncated output.
	Warning string
}

// Adapter is implemented by every backend.
type Adapter interface {
	ID() models.ProviderID
	Model() string
	Pricing() query.Pricing
	Generate(ctx context.Context, req Request, timeout time.Duration) (*Result, error)
}

// Config describes one configured provider slot.
type Config struct {
	Enabled           bool    `mapstructure:"enabled"`
	Backend           string  `mapstructure:"backend"`
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Model             string  `mapstructure:"model"`
	InputPer1K        float64 `mapstructure:"input_per_1k"`
	OutputPer1K       float64 `mapstructure:"output_per_1k"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
	MaxTokens         int     `mapstructure:"max_tokens"`
}

// Pricing returns the configured per-1K pricing.
func (c Config) Pricing() query.Pricing {
	return query.Pricing{InputPer1K: c.InputPer1K, OutputPer1K: c.OutputPer1K}
}

const defaultMaxTokens = 2048

// maxTokens is the configured output cap, lowered to the request's cap when
// that is smaller.
func (c Config) maxTokens(req Request) int {
	limit := defaultMaxTokens
	if c.MaxTokens > 0 {
		limit = c.MaxTokens
	}
	if req.MaxTokens > 0 && req.MaxTokens < limit {
		return req.MaxTokens
	}
	return limit
}

// callContext derives the per-call context. A non-positive timeout leaves
// the parent deadline in charge.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// SystemPrompt builds the analyst instructions for a request.
func SystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(`You are a political intelligence analyst. Answer the question using verifiable facts.

Structure your answer as:
## Summary
## Key Points
## Implications

Be concise. Cite sources inline when you rely on them. If information is uncertain, say so explicitly.`)

	switch req.Stance {
	case models.StanceDefensive:
		b.WriteString("\n\nFrame recommendations defensively: protect existing positions and flag threats.")
	case models.StanceOffensive:
		b.WriteString("\n\nFrame recommendations offensively: identify openings and opportunities to gain ground.")
	}

	switch req.Depth {
	case models.DepthQuick:
		b.WriteString("\n\nKeep the answer under 150 words.")
	case models.DepthDeep:
		b.WriteString("\n\nGive a thorough analysis with scenarios and their likelihood.")
	}
	return b.String()
}

// UserPrompt renders the query with its topic and context.
func UserPrompt(req Request) string {
	var b strings.Builder
	if req.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", req.Topic)
	}
	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Context:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, req.Context[k])
		}
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(req.Query)
	return b.String()
}

func finish(r *Result, pricing query.Pricing, start time.Time) *Result {
	r.CostUSD = pricing.Cost(r.TokensIn, r.TokensOut)
	r.LatencyMs = time.Since(start).Milliseconds()
	return r
}
