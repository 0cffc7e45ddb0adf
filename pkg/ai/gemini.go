package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"txtwise/pkg/domain"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-1.5-pro-latest"
)

// GeminiAdapter calls generateContent with the latest user turn only; the
// conversation's initial prompt goes in as the system instruction.
type GeminiAdapter struct {
	cfg        ProviderConfig
	httpClient *http.Client
}

func NewGeminiAdapter(cfg ProviderConfig) *GeminiAdapter {
	cfg = cfg.withDefaults(defaultGeminiBaseURL, defaultGeminiModel)
	return &GeminiAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *GeminiAdapter) Complete(ctx context.Context, history []domain.Turn) (string, error) {
	system, turns := splitSystem(history)
	prompt := lastUserTurn(turns)
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("gemini: no user turn in history")
	}
	reqBody := generateRequest{
		Contents: []content{{
			Role:  domain.RoleUser,
			Parts: []part{{Text: prompt}},
		}},
		GenerationConfig: &generationConfig{MaxOutputTokens: a.cfg.MaxTokens},
	}
	if system != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		a.cfg.BaseURL, normalizeModel(a.cfg.Model), url.QueryEscape(a.cfg.APIKey))
	var resp generateResponse
	if err := postJSON(ctx, a.httpClient, "gemini", endpoint, nil, reqBody, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return NoResponseText, nil
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return orFallback(b.String()), nil
}

func (a *GeminiAdapter) GenerateImage(context.Context, string) (string, error) {
	return "", ErrImageUnsupported
}

func normalizeModel(model string) string {
	return strings.TrimPrefix(strings.TrimSpace(model), "models/")
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}
