package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	"txtwise/pkg/domain"
)

// NoResponseText is returned when a vendor answers 2xx without content.
const NoResponseText = "No response from AI."

const (
	defaultMaxTokens = 1000
	defaultTimeout   = 120 * time.Second
)

var (
	ErrImageUnsupported = errors.New("image generation not supported by provider")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrAPIKeyRequired   = errors.New("provider api key required")
)

// Adapter normalizes one vendor's completion and image APIs.
// Network failures and non-2xx answers are returned as errors.
type Adapter interface {
	Complete(ctx context.Context, history []domain.Turn) (string, error)
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// ProviderConfig holds the credentials and tuning for one provider.
type ProviderConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	ImageModel string
	MaxTokens  int
	Timeout    time.Duration
}

func (c ProviderConfig) withDefaults(baseURL, model string) ProviderConfig {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	c.Model = strings.TrimSpace(c.Model)
	if c.Model == "" {
		c.Model = model
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// NewAdapter builds the adapter for a provider.
func NewAdapter(p domain.Provider, cfg ProviderConfig) (Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrAPIKeyRequired
	}
	switch p {
	case domain.ProviderClaude:
		return NewClaudeAdapter(cfg), nil
	case domain.ProviderDeepseek:
		return NewDeepseekAdapter(cfg), nil
	case domain.ProviderGemini:
		return NewGeminiAdapter(cfg), nil
	case domain.ProviderChatGPT:
		return NewChatGPTAdapter(cfg), nil
	case domain.ProviderGrok:
		return NewGrokAdapter(cfg), nil
	default:
		return nil, ErrUnknownProvider
	}
}

var imagePrefixes = []string{"image:", "draw ", "generate image", "create an image", "picture of"}

// IsImageIntent reports whether a message body asks for a generated image.
func IsImageIntent(body string) bool {
	lower := strings.ToLower(strings.TrimSpace(body))
	for _, prefix := range imagePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// ImagePrompt strips the explicit "image:" marker; other intents are
// descriptive enough to pass through as-is.
func ImagePrompt(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(strings.ToLower(trimmed), "image:") {
		return strings.TrimSpace(trimmed[len("image:"):])
	}
	return trimmed
}

// splitSystem pulls system turns out of a history. Vendors that take the
// system prompt as a separate field get it joined here.
func splitSystem(history []domain.Turn) (string, []domain.Turn) {
	var system []string
	turns := make([]domain.Turn, 0, len(history))
	for _, t := range history {
		if t.Role == domain.RoleSystem {
			if s := strings.TrimSpace(t.Content); s != "" {
				system = append(system, s)
			}
			continue
		}
		turns = append(turns, t)
	}
	return strings.Join(system, "\n\n"), turns
}

func lastUserTurn(history []domain.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

func orFallback(text string) string {
	if strings.TrimSpace(text) == "" {
		return NoResponseText
	}
	return strings.TrimSpace(text)
}
