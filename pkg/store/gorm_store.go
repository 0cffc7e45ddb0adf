package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"txtwise/pkg/domain"
)

const migrateLockID int64 = 58217394

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db  *gorm.DB
	box Sealer
}

// OpenPostgres opens a gorm handle with the shared logger settings.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// NewGormStore runs auto-migrations on db and returns the store.
func NewGormStore(db *gorm.DB, box Sealer) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("db required")
	}
	if box == nil {
		return nil, errors.New("sealer required")
	}
	if err := WithMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ConversationModel{}, &MessageModel{}, &TokenUsageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, box: box}, nil
}

// DB exposes the underlying handle so the job queue can share the pool.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// WithMigrationLock serializes schema changes across processes with a
// Postgres advisory lock.
func WithMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user. A user without a plan is on the free
// plan.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	if u.Plan == "" {
		u.Plan = domain.PlanFree
	}
	model := userToModel(u)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"phone_number", "name", "plan", "daily_tokens_remaining", "updated_at"}),
	}).Create(&model).Error
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	return s.firstUser(ctx, "id = ?", id)
}

// GetUserByPhone looks up a user by the number they text from.
func (s *GormStore) GetUserByPhone(ctx context.Context, phone string) (domain.User, bool, error) {
	return s.firstUser(ctx, "phone_number = ?", phone)
}

func (s *GormStore) firstUser(ctx context.Context, query string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveConversation creates or updates a conversation.
func (s *GormStore) SaveConversation(ctx context.Context, c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "provider", "initial_prompt", "from_phone", "paused", "history_disabled", "updated_at"}),
	}).Create(&model).Error
}

// GetConversation returns a conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	return s.firstConversation(s.db.WithContext(ctx).Where("id = ?", id))
}

// FindConversation resolves the conversation a user reaches through fromPhone.
// The most recently updated one wins if several share the line.
func (s *GormStore) FindConversation(ctx context.Context, fromPhone, userID string) (domain.Conversation, bool, error) {
	tx := s.db.WithContext(ctx).
		Where("from_phone = ? AND user_id = ?", fromPhone, userID).
		Order("updated_at DESC")
	return s.firstConversation(tx)
}

func (s *GormStore) firstConversation(tx *gorm.DB) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := tx.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// SetConversationProvider switches the active provider.
func (s *GormStore) SetConversationProvider(ctx context.Context, id string, provider domain.Provider) error {
	res := s.db.WithContext(ctx).Model(&ConversationModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"provider":   string(provider),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage seals the body and appends the message. A repeated ID is a
// no-op.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	sealed, err := s.box.Seal(msg.Body)
	if err != nil {
		return fmt.Errorf("seal message: %w", err)
	}
	model := messageToModel(msg)
	model.Body = sealed
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Model(&ConversationModel{}).
			Where("id = ?", msg.ConversationID).
			Update("updated_at", model.CreatedAt).Error
	})
}

// ListMessages returns the conversation history oldest first, decrypted.
func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		body, err := s.box.Open(m.Body)
		if err != nil {
			return nil, fmt.Errorf("open message %s: %w", m.ID, err)
		}
		msg := messageFromModel(m)
		msg.Body = body
		res = append(res, msg)
	}
	return res, nil
}

// AddUsage increments the (user, provider, bucket) counter, creating it on
// first use.
func (s *GormStore) AddUsage(ctx context.Context, userID string, provider domain.Provider, bucket time.Time, tokens int64) error {
	model := TokenUsageModel{
		UserID:     userID,
		Provider:   string(provider),
		Bucket:     bucket.UTC(),
		TokensUsed: tokens,
		UpdatedAt:  time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}, {Name: "bucket"}},
		DoUpdates: clause.Assignments(map[string]any{
			"tokens_used": gorm.Expr("token_usage_models.tokens_used + excluded.tokens_used"),
			"updated_at":  gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&model).Error
}

// GetUsage returns the counter for one bucket, zero when absent.
func (s *GormStore) GetUsage(ctx context.Context, userID string, provider domain.Provider, bucket time.Time) (int64, error) {
	var model TokenUsageModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND bucket = ?", userID, string(provider), bucket.UTC()).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return model.TokensUsed, nil
}

// DeductAllowance lowers the remaining allowance, floored at zero, and
// returns the new value.
func (s *GormStore) DeductAllowance(ctx context.Context, userID string, tokens int64) (int64, error) {
	var remaining int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserModel{}).
			Where("id = ?", userID).
			Updates(map[string]any{
				"daily_tokens_remaining": gorm.Expr("GREATEST(daily_tokens_remaining - ?, 0)", tokens),
				"updated_at":             time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Model(&UserModel{}).
			Where("id = ?", userID).
			Select("daily_tokens_remaining").
			Scan(&remaining).Error
	})
	return remaining, err
}

// ResetAllowances restores every user on plan to ceiling.
func (s *GormStore) ResetAllowances(ctx context.Context, plan domain.Plan, ceiling int64) (int64, error) {
	res := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("plan = ?", string(plan)).
		Updates(map[string]any{
			"daily_tokens_remaining": ceiling,
			"updated_at":             time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:                   u.ID,
		PhoneNumber:          u.PhoneNumber,
		Name:                 u.Name,
		Plan:                 string(u.Plan),
		DailyTokensRemaining: u.DailyTokensRemaining,
		CreatedAt:            u.CreatedAt,
		UpdatedAt:            u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:                   m.ID,
		PhoneNumber:          m.PhoneNumber,
		Name:                 m.Name,
		Plan:                 domain.Plan(m.Plan),
		DailyTokensRemaining: m.DailyTokensRemaining,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:              c.ID,
		UserID:          c.UserID,
		Name:            c.Name,
		Provider:        string(c.Provider),
		InitialPrompt:   c.InitialPrompt,
		FromPhone:       c.FromPhone,
		Paused:          c.Paused,
		HistoryDisabled: c.HistoryDisabled,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:              m.ID,
		UserID:          m.UserID,
		Name:            m.Name,
		Provider:        domain.Provider(m.Provider),
		InitialPrompt:   m.InitialPrompt,
		FromPhone:       m.FromPhone,
		Paused:          m.Paused,
		HistoryDisabled: m.HistoryDisabled,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		IsAI:           msg.IsAI,
		IsSystem:       msg.IsSystem,
		CreatedAt:      msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		IsAI:           m.IsAI,
		IsSystem:       m.IsSystem,
		CreatedAt:      m.CreatedAt,
	}
}
