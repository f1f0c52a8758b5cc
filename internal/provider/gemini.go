package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kamilpajak/wardwatch/internal/query"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// Gemini is an alternative general backend over the generateContent REST API.
type Gemini struct {
	id         models.ProviderID
	cfg        Config
	httpClient *http.Client
}

// NewGemini creates a Gemini adapter.
func NewGemini(id models.ProviderID, cfg Config) *Gemini {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &Gemini{id: id, cfg: cfg, httpClient: &http.Client{}}
}

func (p *Gemini) ID() models.ProviderID  { return p.id }
func (p *Gemini) Model() string          { return p.cfg.Model }
func (p *Gemini) Pricing() query.Pricing { return p.cfg.Pricing() }

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content           geminiContent `json:"content"`
		FinishReason      string        `json:"finishReason,omitempty"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web,omitempty"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata,omitempty"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

// Generate calls generateContent once.
func (p *Gemini) Generate(ctx context.Context, req Request, timeout time.Duration) (*Result, error) {
	ctx, cancel := callContext(ctx, timeout)
	defer cancel()
	start := time.Now()

	body := geminiRequest{
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: UserPrompt(req)}}}},
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: SystemPrompt(req)}}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     0.2,
			MaxOutputTokens: p.cfg.maxTokens(req),
		},
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(p.cfg.BaseURL, "/"), p.cfg.Model)
	headers := map[string]string{"x-goog-api-key": p.cfg.APIKey}

	var resp geminiResponse
	if err := postJSON(ctx, p.httpClient, p.id, url, headers, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, invalid(p.id, "no response candidates")
	}

	cand := resp.Candidates[0]
	var texts []string
	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	if len(texts) == 0 {
		return nil, invalid(p.id, "candidate has no text (finish reason %q)", cand.FinishReason)
	}

	r := &Result{Content: strings.Join(texts, ""), Model: p.cfg.Model}
	switch cand.FinishReason {
	case "MAX_TOKENS":
		r.Warning = "output truncated at max tokens"
	case "SAFETY", "RECITATION":
		r.Warning = "output stopped by safety filter"
	}
	if resp.UsageMetadata != nil {
		r.TokensIn = resp.UsageMetadata.PromptTokenCount
		r.TokensOut = resp.UsageMetadata.CandidatesTokenCount
	}
	if cand.GroundingMetadata != nil {
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk.Web != nil && chunk.Web.URI != "" {
				r.Sources = append(r.Sources, models.Citation{URL: chunk.Web.URI, Title: chunk.Web.Title})
			}
		}
	}
	return finish(r, p.Pricing(), start), nil
}
