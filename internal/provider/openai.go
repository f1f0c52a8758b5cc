package provider

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kamilpajak/wardwatch/internal/query"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// OpenAI serves the general slot through the OpenAI chat completions API.
type OpenAI struct {
	id     models.ProviderID
	cfg    Config
	client openai.Client
}

// NewOpenAI creates an OpenAI adapter. The SDK's own retries are disabled;
// fallback is the orchestrator's job.
func NewOpenAI(id models.ProviderID, cfg Config) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{id: id, cfg: cfg, client: openai.NewClient(opts...)}
}

func (p *OpenAI) ID() models.ProviderID  { return p.id }
func (p *OpenAI) Model() string          { return p.cfg.Model }
func (p *OpenAI) Pricing() query.Pricing { return p.cfg.Pricing() }

// Generate sends a single chat completion.
func (p *OpenAI) Generate(ctx context.Context, req Request, timeout time.Duration) (*Result, error) {
	ctx, cancel := callContext(ctx, timeout)
	defer cancel()
	start := time.Now()

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt(req)),
			openai.UserMessage(UserPrompt(req)),
		},
		MaxTokens:   openai.Int(int64(p.cfg.maxTokens(req))),
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		status := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, wrap(p.id, status, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, invalid(p.id, "empty completion")
	}

	r := &Result{
		Content:   resp.Choices[0].Message.Content,
		Model:     resp.Model,
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
	}
	switch resp.Choices[0].FinishReason {
	case "length":
		r.Warning = "output truncated at max tokens"
	case "content_filter":
		r.Warning = "output filtered by content policy"
	}
	return finish(r, p.Pricing(), start), nil
}
