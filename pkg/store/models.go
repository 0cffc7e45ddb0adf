package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID                   string `gorm:"primaryKey"`
	PhoneNumber          string `gorm:"uniqueIndex;not null"`
	Name                 string
	Plan                 string    `gorm:"not null;default:'free';index"`
	DailyTokensRemaining int64     `gorm:"not null"`
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time
}

type ConversationModel struct {
	ID              string `gorm:"primaryKey"`
	UserID          string `gorm:"not null;index:idx_conversation_line,priority:2"`
	Name            string
	Provider        string    `gorm:"not null"`
	InitialPrompt   string    `gorm:"type:text"`
	FromPhone       string    `gorm:"not null;index:idx_conversation_line,priority:1"`
	Paused          bool      `gorm:"not null;default:false"`
	HistoryDisabled bool      `gorm:"not null;default:false"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

// MessageModel stores the sealed body only.
type MessageModel struct {
	ID             string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;index"`
	SenderID       string    `gorm:"not null"`
	Body           string    `gorm:"type:text;not null"`
	IsAI           bool      `gorm:"not null;default:false"`
	IsSystem       bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null;index"`
}

type TokenUsageModel struct {
	UserID     string    `gorm:"primaryKey;uniqueIndex:idx_usage_key,priority:1"`
	Provider   string    `gorm:"primaryKey;uniqueIndex:idx_usage_key,priority:2"`
	Bucket     time.Time `gorm:"primaryKey;uniqueIndex:idx_usage_key,priority:3"`
	TokensUsed int64     `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}
