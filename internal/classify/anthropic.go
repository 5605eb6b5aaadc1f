package classify

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 512
)

type AnthropicOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int64
	Properties []string
	HTTPClient *http.Client
}

type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	prompt    string
}

func NewAnthropicProvider(opts AnthropicOptions) (*AnthropicProvider, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	// Retries are disabled: a failed call falls back to passthrough instead
	// of stalling the item.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(reqOpts...),
		model:     model,
		maxTokens: maxTokens,
		prompt:    systemPrompt(opts.Properties),
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) Classify(ctx context.Context, content string) (Result, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: p.prompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(content))),
		},
	})
	if err != nil {
		return Result{}, &ClassificationError{Provider: p.Name(), Reason: anthropicReason(ctx, err), Err: err}
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	result, err := parseResult(text.String())
	if err != nil {
		return Result{}, &ClassificationError{Provider: p.Name(), Reason: "unparsable output", Err: err}
	}
	return result, nil
}

func anthropicReason(ctx context.Context, err error) string {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return httpReason(apiErr.StatusCode)
	}
	return failureReason(ctx, err)
}
