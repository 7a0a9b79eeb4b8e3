package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/recall/internal/faults"
)

// OpenAICompleter is the primary provider, backed by OpenAI chat
// completions with JSON-object response format for structured calls.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

// NewOpenAICompleter creates the OpenAI completer.
func NewOpenAICompleter(apiKey, model string) (*OpenAICompleter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAICompleter{client: openai.NewClient(apiKey), model: model}, nil
}

// Name implements Completer.
func (c *OpenAICompleter) Name() string { return "openai" }

// Complete implements Completer.
func (c *OpenAICompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: 0.2,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", faults.New(faults.InvalidLLMOutput, "openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return faults.Wrap(faults.DeadlineExceeded, err, "openai call cancelled")
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, err, "openai")
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err, "openai")
	}
	// Network-level failures are transient.
	return faults.Wrap(faults.UpstreamUnavailable, err, "openai request failed")
}

func classifyStatus(status int, err error, provider string) error {
	switch {
	case status == 429:
		return faults.Wrap(faults.UpstreamRateLimited, err, "%s rate limited", provider)
	case status >= 500:
		return faults.Wrap(faults.UpstreamUnavailable, err, "%s server error", provider)
	default:
		// 4xx other than 429 is a deterministic failure; retrying or
		// falling over would produce the same result.
		return faults.Wrap(faults.Internal, err, "%s request rejected (status %d)", provider, status)
	}
}
