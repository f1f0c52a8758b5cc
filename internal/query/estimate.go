package query

import "strings"

// systemPromptTokens is the fixed prompt overhead added to every request.
const systemPromptTokens = 150

// EstimateTokens approximates the token count of text by blending a word
// estimate with the ~4 characters per token rule.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	chars := len(text)
	if words == 0 && chars == 0 {
		return 0
	}
	n := (words + chars/4) / 2
	if n == 0 {
		n = 1
	}
	return n
}

func contextTokens(ctx map[string]string) int {
	n := 0
	for k, v := range ctx {
		n += EstimateTokens(k) + EstimateTokens(v)
	}
	return n
}

// Pricing is a per-1K-token price in USD.
type Pricing struct {
	InputPer1K  float64 `yaml:"input_per_1k" mapstructure:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" mapstructure:"output_per_1k"`
}

// ReferencePricing is used for the provider-independent cost estimate on a
// QueryAnalysis ($2.50/M input, $10/M output).
var ReferencePricing = Pricing{InputPer1K: 0.0025, OutputPer1K: 0.01}

// Cost returns the USD cost of the given token counts.
func (p Pricing) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)*p.InputPer1K/1000 + float64(tokensOut)*p.OutputPer1K/1000
}

// IsFree reports whether the pricing never incurs spend.
func (p Pricing) IsFree() bool {
	return p.InputPer1K == 0 && p.OutputPer1K == 0
}
