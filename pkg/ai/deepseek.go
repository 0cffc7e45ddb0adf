package ai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"txtwise/pkg/domain"
)

const (
	defaultDeepseekBaseURL = "https://api.deepseek.com/v1"
	defaultDeepseekModel   = "deepseek-chat"
)

// DeepseekAdapter talks to Deepseek through the OpenAI SDK pointed at the
// Deepseek base URL.
type DeepseekAdapter struct {
	client *openai.Client
	cfg    ProviderConfig
}

func NewDeepseekAdapter(cfg ProviderConfig) *DeepseekAdapter {
	cfg = cfg.withDefaults(defaultDeepseekBaseURL, defaultDeepseekModel)
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &DeepseekAdapter{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
	}
}

func (a *DeepseekAdapter) Complete(ctx context.Context, history []domain.Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, t := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     a.cfg.Model,
		Messages:  messages,
		MaxTokens: a.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("deepseek chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return NoResponseText, nil
	}
	return orFallback(resp.Choices[0].Message.Content), nil
}

func (a *DeepseekAdapter) GenerateImage(context.Context, string) (string, error) {
	return "", ErrImageUnsupported
}
