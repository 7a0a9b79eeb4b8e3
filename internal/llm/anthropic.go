package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/recall/internal/faults"
)

// AnthropicCompleter is the secondary provider, backed by the Anthropic
// Messages API.
type AnthropicCompleter struct {
	client anthropic.Client
	model  string
}

// NewAnthropicCompleter creates the Anthropic completer.
func NewAnthropicCompleter(apiKey, model string) (*AnthropicCompleter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicCompleter{client: client, model: model}, nil
}

// Name implements Completer.
func (c *AnthropicCompleter) Name() string { return "anthropic" }

// Complete implements Completer.
func (c *AnthropicCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	}
	if req.System != "" {
		system := req.System
		if req.JSONMode {
			// The Messages API has no JSON response mode; the schema check
			// plus one strict re-prompt covers malformed output.
			system += "\nRespond with valid JSON only."
		}
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropicError(err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", faults.New(faults.InvalidLLMOutput, "anthropic returned no text content")
	}
	return text, nil
}

func classifyAnthropicError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return faults.Wrap(faults.DeadlineExceeded, err, "anthropic call cancelled")
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, err, "anthropic")
	}
	return faults.Wrap(faults.UpstreamUnavailable, err, "anthropic request failed")
}
