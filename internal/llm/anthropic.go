package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	SubModel string
}

// AnthropicClient is the Client adapter backed by the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient builds an AnthropicClient. APIKey is required.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: anthropic api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: anthropic model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

// Completion sends a single-turn prompt and returns the concatenated text
// content of the response.
func (c *AnthropicClient) Completion(ctx context.Context, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: anthropic completion: %w", err)
	}
	var out string
	for _, block := range msg.Content {
		if text := block.AsAny(); text != nil {
			if tb, ok := text.(anthropic.TextBlock); ok {
				out += tb.Text
			}
		}
	}
	return out, nil
}

// CompletionBatched has no native batch endpoint on the Messages API, so it
// fans out N independent Completion calls, same as the teacher's agent loop
// dispatches parallel tool calls.
func (c *AnthropicClient) CompletionBatched(ctx context.Context, prompts []string) ([]string, error) {
	return sequentialBatch(ctx, prompts, c.Completion)
}
