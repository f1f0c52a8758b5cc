package provider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kamilpajak/wardwatch/internal/query"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// Realtime serves the real-time search slot. It speaks the OpenAI-compatible
// chat completions dialect with a top-level citations array, as offered by
// search-grounded providers such as Perplexity.
type Realtime struct {
	id         models.ProviderID
	cfg        Config
	httpClient *http.Client
}

// NewRealtime creates a real-time search adapter.
func NewRealtime(id models.ProviderID, cfg Config) *Realtime {
	if cfg.Model == "" {
		cfg.Model = "sonar"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.perplexity.ai"
	}
	return &Realtime{id: id, cfg: cfg, httpClient: &http.Client{}}
}

func (p *Realtime) ID() models.ProviderID  { return p.id }
func (p *Realtime) Model() string          { return p.cfg.Model }
func (p *Realtime) Pricing() query.Pricing { return p.cfg.Pricing() }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type realtimeRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type realtimeResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Citations     []string `json:"citations"`
	SearchResults []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"search_results"`
}

// Generate sends one search-grounded completion.
func (p *Realtime) Generate(ctx context.Context, req Request, timeout time.Duration) (*Result, error) {
	ctx, cancel := callContext(ctx, timeout)
	defer cancel()
	start := time.Now()

	body := realtimeRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt(req)},
			{Role: "user", Content: UserPrompt(req)},
		},
		MaxTokens:   p.cfg.maxTokens(req),
		Temperature: 0.2,
	}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}

	var resp realtimeResponse
	if err := postJSON(ctx, p.httpClient, p.id, url, headers, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, invalid(p.id, "empty completion")
	}

	r := &Result{
		Content:   resp.Choices[0].Message.Content,
		Model:     resp.Model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}
	if r.Model == "" {
		r.Model = p.cfg.Model
	}
	seen := make(map[string]bool)
	for _, sr := range resp.SearchResults {
		if sr.URL != "" && !seen[sr.URL] {
			seen[sr.URL] = true
			r.Sources = append(r.Sources, models.Citation{URL: sr.URL, Title: sr.Title})
		}
	}
	for _, u := range resp.Citations {
		if u != "" && !seen[u] {
			seen[u] = true
			r.Sources = append(r.Sources, models.Citation{URL: u})
		}
	}
	return finish(r, p.Pricing(), start), nil
}
