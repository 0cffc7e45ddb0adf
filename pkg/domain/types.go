package domain

import (
	"strings"
	"time"
)

// Provider identifies an LLM vendor a conversation is routed to.
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderChatGPT  Provider = "chatgpt"
	ProviderDeepseek Provider = "deepseek"
	ProviderGemini   Provider = "gemini"
	ProviderGrok     Provider = "grok"

	DefaultProvider = ProviderChatGPT
)

// Providers lists every known provider in keyword display order.
var Providers = []Provider{ProviderChatGPT, ProviderGrok, ProviderGemini, ProviderDeepseek, ProviderClaude}

// ParseProvider matches a provider identifier case-insensitively.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// Keyword returns the uppercase switch keyword users type, e.g. "CHATGPT".
func (p Provider) Keyword() string {
	return strings.ToUpper(string(p))
}

type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// Metered reports whether the plan is gated by the daily allowance.
func (p Plan) Metered() bool {
	return p != PlanPremium
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

const (
	PriorityStandard = 0
	PriorityPremium  = 1
)

// PriorityFor maps a plan to its queue priority.
func PriorityFor(plan Plan) int {
	if plan == PlanPremium {
		return PriorityPremium
	}
	return PriorityStandard
}

// Job is one inbound message waiting to be answered.
type Job struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body,omitempty"`
	Status    JobStatus `json:"status"`
	Priority  int       `json:"priority"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type User struct {
	ID                   string    `json:"id"`
	PhoneNumber          string    `json:"phoneNumber"`
	Name                 string    `json:"name"`
	Plan                 Plan      `json:"plan"`
	DailyTokensRemaining int64     `json:"dailyTokensRemaining"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Conversation is a chat session between a user and one provider, addressed
// by the number the user texts (FromPhone).
type Conversation struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Name            string    `json:"name"`
	Provider        Provider  `json:"provider"`
	InitialPrompt   string    `json:"initialPrompt,omitempty"`
	FromPhone       string    `json:"fromPhone"`
	Paused          bool      `json:"paused"`
	HistoryDisabled bool      `json:"historyDisabled"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Message is one immutable turn in a conversation. Body is plaintext; the
// store encrypts it at rest.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	IsAI           bool      `json:"isAI"`
	IsSystem       bool      `json:"isSystem,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TokenUsage is the per (user, provider, bucket) usage counter.
type TokenUsage struct {
	UserID     string    `json:"userId"`
	Provider   Provider  `json:"provider"`
	Bucket     time.Time `json:"bucket"`
	TokensUsed int64     `json:"tokensUsed"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one role-tagged entry of the history handed to an adapter.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
