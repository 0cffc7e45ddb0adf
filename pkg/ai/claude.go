package ai

import (
	"context"
	"net/http"
	"strings"

	"txtwise/pkg/domain"
)

const (
	defaultClaudeBaseURL = "https://api.anthropic.com"
	defaultClaudeModel   = "claude-3-opus-20240229"
	anthropicVersion     = "2023-06-01"
)

// ClaudeAdapter calls the Anthropic Messages API.
type ClaudeAdapter struct {
	cfg        ProviderConfig
	httpClient *http.Client
}

func NewClaudeAdapter(cfg ProviderConfig) *ClaudeAdapter {
	cfg = cfg.withDefaults(defaultClaudeBaseURL, defaultClaudeModel)
	return &ClaudeAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *ClaudeAdapter) Complete(ctx context.Context, history []domain.Turn) (string, error) {
	system, turns := splitSystem(history)
	req := claudeRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    system,
		Messages:  alternate(turns),
	}
	var resp claudeResponse
	err := postJSON(ctx, a.httpClient, "claude", a.cfg.BaseURL+"/v1/messages", map[string]string{
		"x-api-key":         a.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}, req, &resp)
	if err != nil {
		return "", err
	}
	for _, block := range resp.Content {
		if block.Type == "text" || block.Type == "" {
			return orFallback(block.Text), nil
		}
	}
	return NoResponseText, nil
}

func (a *ClaudeAdapter) GenerateImage(context.Context, string) (string, error) {
	return "", ErrImageUnsupported
}

// alternate merges consecutive same-role turns; the Messages API rejects
// two user turns in a row, which happens after an unanswered message.
func alternate(turns []domain.Turn) []claudeMessage {
	out := make([]claudeMessage, 0, len(turns))
	for _, t := range turns {
		role := t.Role
		if role != domain.RoleAssistant {
			role = domain.RoleUser
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = strings.TrimSpace(out[n-1].Content + "\n\n" + t.Content)
			continue
		}
		if len(out) == 0 && role == domain.RoleAssistant {
			continue
		}
		out = append(out, claudeMessage{Role: role, Content: t.Content})
	}
	return out
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}
