package classify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

type OpenAIOptions struct {
	APIKey string
	Model  string
	// BaseURL points at any OpenAI-compatible API root, including its /v1
	// segment.
	BaseURL    string
	Properties []string
	HTTPClient *http.Client
}

type OpenAIProvider struct {
	client openai.Client
	model  string
	prompt string
}

func NewOpenAIProvider(opts OpenAIOptions) (*OpenAIProvider, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
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
	return &OpenAIProvider{
		client: openai.NewClient(reqOpts...),
		model:  model,
		prompt: systemPrompt(opts.Properties),
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Classify(ctx context.Context, content string) (Result, error) {
	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.prompt),
			openai.UserMessage(userPrompt(content)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return Result{}, &ClassificationError{Provider: p.Name(), Reason: openAIReason(ctx, err), Err: err}
	}
	if len(completion.Choices) == 0 {
		return Result{}, &ClassificationError{Provider: p.Name(), Reason: "unparsable output", Err: errors.New("no choices in completion")}
	}
	result, err := parseResult(completion.Choices[0].Message.Content)
	if err != nil {
		return Result{}, &ClassificationError{Provider: p.Name(), Reason: "unparsable output", Err: err}
	}
	return result, nil
}

func openAIReason(ctx context.Context, err error) string {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return httpReason(apiErr.StatusCode)
	}
	return failureReason(ctx, err)
}

func httpReason(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "auth"
	case http.StatusTooManyRequests:
		return "quota"
	default:
		return fmt.Sprintf("status %d", status)
	}
}
