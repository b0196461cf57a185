package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIClient is the Client adapter backed by the Chat Completions API,
// used when RLM_BACKEND selects "openai".
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds an OpenAIClient. APIKey is required.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: openai api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: openai model is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
	}, nil
}

// Completion sends a single-turn chat completion and returns the first
// choice's message content.
func (c *OpenAIClient) Completion(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: openai completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// CompletionBatched has no native batch endpoint on the Chat Completions
// API, so it fans out N independent Completion calls.
func (c *OpenAIClient) CompletionBatched(ctx context.Context, prompts []string) ([]string, error) {
	return sequentialBatch(ctx, prompts, c.Completion)
}
