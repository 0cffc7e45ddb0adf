package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"txtwise/pkg/domain"
	"txtwise/pkg/secretbox"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	box, err := secretbox.New("store-test-secret")
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	return NewMemoryStore(box)
}

func TestMemoryStoreMessagesSealedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bodies := []string{"hello", "", "¿qué tal? 你好"}
	for i, body := range bodies {
		if err := s.AppendMessage(ctx, domain.Message{
			ID:             "m" + string(rune('a'+i)),
			ConversationID: "c1",
			SenderID:       "u1",
			Body:           body,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	for i, raw := range s.rawBodies("c1") {
		if bodies[i] != "" && raw == bodies[i] {
			t.Fatalf("body %d stored as plaintext", i)
		}
	}

	got, err := s.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(bodies) {
		t.Fatalf("len = %d, want %d", len(got), len(bodies))
	}
	for i := range bodies {
		if got[i].Body != bodies[i] {
			t.Fatalf("message %d body = %q, want %q", i, got[i].Body, bodies[i])
		}
	}
}

func TestMemoryStoreFindConversationByLine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_ = s.SaveConversation(ctx, domain.Conversation{ID: "old", UserID: "u1", FromPhone: "+100", UpdatedAt: now.Add(-time.Hour)})
	_ = s.SaveConversation(ctx, domain.Conversation{ID: "new", UserID: "u1", FromPhone: "+100", UpdatedAt: now})
	_ = s.SaveConversation(ctx, domain.Conversation{ID: "other", UserID: "u2", FromPhone: "+100", UpdatedAt: now.Add(time.Hour)})

	c, ok, err := s.FindConversation(ctx, "+100", "u1")
	if err != nil || !ok {
		t.Fatalf("find: ok=%v err=%v", ok, err)
	}
	if c.ID != "new" {
		t.Fatalf("conversation = %s, want new", c.ID)
	}
	if _, ok, _ := s.FindConversation(ctx, "+200", "u1"); ok {
		t.Fatalf("expected no conversation on unknown line")
	}
}

func TestMemoryStoreAllowanceFlooredAndReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.SaveUser(ctx, domain.User{ID: "u1", PhoneNumber: "+1", Plan: domain.PlanFree, DailyTokensRemaining: 10})
	_ = s.SaveUser(ctx, domain.User{ID: "u2", PhoneNumber: "+2", Plan: domain.PlanPremium, DailyTokensRemaining: 3})

	remaining, err := s.DeductAllowance(ctx, "u1", 25)
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
	if _, err := s.DeductAllowance(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deduct missing err = %v, want ErrNotFound", err)
	}

	n, err := s.ResetAllowances(ctx, domain.PlanFree, 7500)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset count = %d, want 1", n)
	}
	u1, _, _ := s.GetUser(ctx, "u1")
	u2, _, _ := s.GetUser(ctx, "u2")
	if u1.DailyTokensRemaining != 7500 {
		t.Fatalf("free allowance = %d, want 7500", u1.DailyTokensRemaining)
	}
	if u2.DailyTokensRemaining != 3 {
		t.Fatalf("premium allowance changed to %d", u2.DailyTokensRemaining)
	}
}

func TestMemoryStoreUsageUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_ = s.AddUsage(ctx, "u1", domain.ProviderClaude, day, 25)
	_ = s.AddUsage(ctx, "u1", domain.ProviderClaude, day, 5)
	_ = s.AddUsage(ctx, "u1", domain.ProviderGrok, day, 7)

	got, err := s.GetUsage(ctx, "u1", domain.ProviderClaude, day)
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if got != 30 {
		t.Fatalf("claude usage = %d, want 30", got)
	}
	if got, _ := s.GetUsage(ctx, "u1", domain.ProviderClaude, day.AddDate(0, 0, 1)); got != 0 {
		t.Fatalf("next day usage = %d, want 0", got)
	}
}

func TestMemoryStoreRejectsDuplicatePhone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, domain.User{ID: "u1", PhoneNumber: "+1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveUser(ctx, domain.User{ID: "u2", PhoneNumber: "+1"}); err == nil {
		t.Fatalf("expected duplicate phone error")
	}
}

func TestMemoryStoreAppendIgnoresRepeatedID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := domain.Message{ID: "job1-in", ConversationID: "c1", SenderID: "u1", Body: "hello", CreatedAt: time.Now().UTC()}
	for i := 0; i < 3; i++ {
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	msgs, err := s.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hello" {
		t.Fatalf("messages = %+v, want one", msgs)
	}
}

func TestMemoryStoreUserWithoutPlanIsFree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, domain.User{ID: "u1", PhoneNumber: "+1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	u, _, _ := s.GetUser(ctx, "u1")
	if u.Plan != domain.PlanFree {
		t.Fatalf("plan = %q, want free", u.Plan)
	}
	if n, err := s.ResetAllowances(ctx, domain.PlanFree, 7500); err != nil || n != 1 {
		t.Fatalf("reset count = %d err = %v, want 1", n, err)
	}
}
