package provider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kamilpajak/wardwatch/internal/query"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// Local is the zero-cost fallback backed by an Ollama server.
type Local struct {
	id         models.ProviderID
	cfg        Config
	httpClient *http.Client
}

// NewLocal creates an Ollama adapter. Pricing is always zero.
func NewLocal(id models.ProviderID, cfg Config) *Local {
	if cfg.Model == "" {
		cfg.Model = "llama3.1:8b"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	cfg.InputPer1K, cfg.OutputPer1K = 0, 0
	return &Local{id: id, cfg: cfg, httpClient: &http.Client{}}
}

func (p *Local) ID() models.ProviderID  { return p.id }
func (p *Local) Model() string          { return p.cfg.Model }
func (p *Local) Pricing() query.Pricing { return query.Pricing{} }

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// Generate runs one non-streaming chat against Ollama.
func (p *Local) Generate(ctx context.Context, req Request, timeout time.Duration) (*Result, error) {
	ctx, cancel := callContext(ctx, timeout)
	defer cancel()
	start := time.Now()

	body := ollamaRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt(req)},
			{Role: "user", Content: UserPrompt(req)},
		},
		Options: map[string]any{
			"temperature": 0.2,
			"num_predict": p.cfg.maxTokens(req),
		},
	}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/chat"

	var resp ollamaResponse
	if err := postJSON(ctx, p.httpClient, p.id, url, nil, body, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return nil, invalid(p.id, "empty message")
	}

	return finish(&Result{
		Content:   resp.Message.Content,
		Model:     p.cfg.Model,
		TokensIn:  resp.PromptEvalCount,
		TokensOut: resp.EvalCount,
	}, p.Pricing(), start), nil
}
