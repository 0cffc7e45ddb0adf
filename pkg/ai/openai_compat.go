package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"txtwise/pkg/domain"
)

const (
	defaultChatGPTBaseURL = "https://api.openai.com/v1"
	defaultChatGPTModel   = "gpt-4o"
	defaultChatGPTImage   = "dall-e-3"
	defaultGrokBaseURL    = "https://api.x.ai/v1"
	defaultGrokModel      = "grok-2-latest"
	defaultGrokImage      = "grok-2-image"
)

// OpenAICompatAdapter calls an OpenAI-shaped REST API with bearer auth.
// It backs both chatgpt and grok.
type OpenAICompatAdapter struct {
	vendor string
	cfg    ProviderConfig
	client *resty.Client
}

func NewChatGPTAdapter(cfg ProviderConfig) *OpenAICompatAdapter {
	if cfg.ImageModel == "" {
		cfg.ImageModel = defaultChatGPTImage
	}
	return newOpenAICompatAdapter("chatgpt", cfg.withDefaults(defaultChatGPTBaseURL, defaultChatGPTModel))
}

func NewGrokAdapter(cfg ProviderConfig) *OpenAICompatAdapter {
	if cfg.ImageModel == "" {
		cfg.ImageModel = defaultGrokImage
	}
	return newOpenAICompatAdapter("grok", cfg.withDefaults(defaultGrokBaseURL, defaultGrokModel))
}

func newOpenAICompatAdapter(vendor string, cfg ProviderConfig) *OpenAICompatAdapter {
	return &OpenAICompatAdapter{
		vendor: vendor,
		cfg:    cfg,
		client: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetHeader("Content-Type", "application/json").
			SetAuthToken(cfg.APIKey).
			SetTimeout(cfg.Timeout),
	}
}

func (a *OpenAICompatAdapter) Complete(ctx context.Context, history []domain.Turn) (string, error) {
	messages := make([]oaiMessage, 0, len(history))
	for _, t := range history {
		messages = append(messages, oaiMessage{Role: t.Role, Content: t.Content})
	}
	var chatResp oaiChatResponse
	var errResp errorResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(oaiChatRequest{Model: a.cfg.Model, Messages: messages}).
		SetResult(&chatResp).
		SetError(&errResp).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("%s request: %w", a.vendor, err)
	}
	if resp.IsError() {
		return "", a.apiError(resp, errResp)
	}
	if len(chatResp.Choices) == 0 {
		return NoResponseText, nil
	}
	return orFallback(chatResp.Choices[0].Message.Content), nil
}

func (a *OpenAICompatAdapter) GenerateImage(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("%s image: empty prompt", a.vendor)
	}
	var imgResp oaiImageResponse
	var errResp errorResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(oaiImageRequest{Model: a.cfg.ImageModel, Prompt: prompt, N: 1}).
		SetResult(&imgResp).
		SetError(&errResp).
		Post("/images/generations")
	if err != nil {
		return "", fmt.Errorf("%s image request: %w", a.vendor, err)
	}
	if resp.IsError() {
		return "", a.apiError(resp, errResp)
	}
	if len(imgResp.Data) == 0 || strings.TrimSpace(imgResp.Data[0].URL) == "" {
		return "", fmt.Errorf("%s image: empty response", a.vendor)
	}
	return imgResp.Data[0].URL, nil
}

func (a *OpenAICompatAdapter) apiError(resp *resty.Response, errResp errorResponse) error {
	if errResp.Error.Message != "" {
		return fmt.Errorf("%s api error: %s", a.vendor, errResp.Error.Message)
	}
	return fmt.Errorf("%s api error: %s", a.vendor, resp.Status())
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiImageRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
}

type oaiImageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}
