package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kamilpajak/wardwatch/internal/query"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// Anthropic serves the deep-reasoning slot through the Messages API.
type Anthropic struct {
	id     models.ProviderID
	cfg    Config
	client anthropic.Client
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(id models.ProviderID, cfg Config) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(cfg.APIKey),
		anthropicoption.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{id: id, cfg: cfg, client: anthropic.NewClient(opts...)}
}

func (p *Anthropic) ID() models.ProviderID  { return p.id }
func (p *Anthropic) Model() string          { return p.cfg.Model }
func (p *Anthropic) Pricing() query.Pricing { return p.cfg.Pricing() }

// Generate sends a single non-streaming message.
func (p *Anthropic) Generate(ctx context.Context, req Request, timeout time.Duration) (*Result, error) {
	ctx, cancel := callContext(ctx, timeout)
	defer cancel()
	start := time.Now()

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: int64(p.cfg.maxTokens(req)),
		System:    []anthropic.TextBlockParam{{Text: SystemPrompt(req)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(UserPrompt(req))),
		},
	})
	if err != nil {
		status := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, wrap(p.id, status, err)
	}

	var texts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			texts = append(texts, block.Text)
		}
	}
	if len(texts) == 0 {
		return nil, invalid(p.id, "response has no text blocks")
	}

	r := &Result{
		Content:   strings.Join(texts, "\n"),
		Model:     string(msg.Model),
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
	}
	if msg.StopReason == anthropic.StopReasonMaxTokens {
		r.Warning = "output truncated at max tokens"
	}
	return finish(r, p.Pricing(), start), nil
}
