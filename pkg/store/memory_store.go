package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"txtwise/pkg/domain"
)

type usageKey struct {
	userID   string
	provider domain.Provider
	bucket   int64
}

// MemoryStore keeps records in-process for local runs and tests. Bodies are
// still sealed when a Sealer is supplied.
type MemoryStore struct {
	mu            sync.RWMutex
	box           Sealer
	users         map[string]domain.User
	phones        map[string]string // phone -> user ID
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message // conversation ID -> sealed messages
	usage         map[usageKey]int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore(box Sealer) *MemoryStore {
	return &MemoryStore{
		box:           box,
		users:         make(map[string]domain.User),
		phones:        make(map[string]string),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		usage:         make(map[usageKey]int64),
	}
}

// SaveUser stores or replaces a user. A user without a plan is on the free
// plan.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	if u.Plan == "" {
		u.Plan = domain.PlanFree
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[u.ID]; ok && prev.PhoneNumber != u.PhoneNumber {
		delete(m.phones, prev.PhoneNumber)
	}
	if owner, ok := m.phones[u.PhoneNumber]; ok && owner != u.ID {
		return fmt.Errorf("phone number %s already registered", u.PhoneNumber)
	}
	m.users[u.ID] = u
	m.phones[u.PhoneNumber] = u.ID
	return nil
}

// GetUser retrieves a user by ID.
func (m *MemoryStore) GetUser(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByPhone retrieves a user by phone number.
func (m *MemoryStore) GetUserByPhone(_ context.Context, phone string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.phones[phone]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) SaveConversation(_ context.Context, c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

// FindConversation returns the most recently updated conversation for the line.
func (m *MemoryStore) FindConversation(_ context.Context, fromPhone, userID string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  domain.Conversation
		found bool
	)
	for _, c := range m.conversations {
		if c.FromPhone != fromPhone || c.UserID != userID {
			continue
		}
		if !found || c.UpdatedAt.After(best.UpdatedAt) {
			best, found = c, true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) SetConversationProvider(_ context.Context, id string, provider domain.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Provider = provider
	c.UpdatedAt = time.Now().UTC()
	m.conversations[id] = c
	return nil
}

// AppendMessage seals and appends a message to its conversation.
func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) error {
	if m.box != nil {
		sealed, err := m.box.Seal(msg.Body)
		if err != nil {
			return fmt.Errorf("seal message: %w", err)
		}
		msg.Body = sealed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.messages[msg.ConversationID] {
		if existing.ID == msg.ID {
			return nil
		}
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	if c, ok := m.conversations[msg.ConversationID]; ok {
		c.UpdatedAt = msg.CreatedAt
		m.conversations[msg.ConversationID] = c
	}
	return nil
}

// ListMessages returns decrypted history oldest first.
func (m *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	items := append([]domain.Message(nil), m.messages[conversationID]...)
	m.mu.RUnlock()
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if m.box == nil {
		return items, nil
	}
	for i := range items {
		body, err := m.box.Open(items[i].Body)
		if err != nil {
			return nil, fmt.Errorf("open message %s: %w", items[i].ID, err)
		}
		items[i].Body = body
	}
	return items, nil
}

func (m *MemoryStore) AddUsage(_ context.Context, userID string, provider domain.Provider, bucket time.Time, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[usageKey{userID: userID, provider: provider, bucket: bucket.UTC().Unix()}] += tokens
	return nil
}

func (m *MemoryStore) GetUsage(_ context.Context, userID string, provider domain.Provider, bucket time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[usageKey{userID: userID, provider: provider, bucket: bucket.UTC().Unix()}], nil
}

func (m *MemoryStore) DeductAllowance(_ context.Context, userID string, tokens int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	u.DailyTokensRemaining -= tokens
	if u.DailyTokensRemaining < 0 {
		u.DailyTokensRemaining = 0
	}
	u.UpdatedAt = time.Now().UTC()
	m.users[userID] = u
	return u.DailyTokensRemaining, nil
}

func (m *MemoryStore) ResetAllowances(_ context.Context, plan domain.Plan, ceiling int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, u := range m.users {
		if u.Plan != plan {
			continue
		}
		u.DailyTokensRemaining = ceiling
		u.UpdatedAt = time.Now().UTC()
		m.users[id] = u
		n++
	}
	return n, nil
}

// rawBodies returns the stored (sealed) bodies for a conversation.
func (m *MemoryStore) rawBodies(conversationID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.messages[conversationID]))
	for _, msg := range m.messages[conversationID] {
		out = append(out, msg.Body)
	}
	return out
}
