package store

import (
	"context"
	"errors"
	"time"

	"txtwise/pkg/domain"
)

var ErrNotFound = errors.New("record not found")

// Store defines persistence for users, conversations, messages, and quota
// usage. Message bodies cross this boundary as plaintext only; implementations
// seal them before writing and open them after reading.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByPhone(ctx context.Context, phone string) (domain.User, bool, error)

	// conversations
	SaveConversation(ctx context.Context, c domain.Conversation) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	FindConversation(ctx context.Context, fromPhone, userID string) (domain.Conversation, bool, error)
	SetConversationProvider(ctx context.Context, id string, provider domain.Provider) error

	// messages; AppendMessage ignores an ID that is already stored
	AppendMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	// quota
	AddUsage(ctx context.Context, userID string, provider domain.Provider, bucket time.Time, tokens int64) error
	GetUsage(ctx context.Context, userID string, provider domain.Provider, bucket time.Time) (int64, error)
	DeductAllowance(ctx context.Context, userID string, tokens int64) (int64, error)
	ResetAllowances(ctx context.Context, plan domain.Plan, ceiling int64) (int64, error)
}

// Sealer encrypts and decrypts message bodies at the store boundary.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(token string) (string, error)
}
