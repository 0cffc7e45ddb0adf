package quota

import (
	"context"
	"strings"
	"testing"
	"time"

	"txtwise/pkg/domain"
	"txtwise/pkg/store"
)

func newTestLedger(t *testing.T, users ...domain.User) (*Ledger, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore(nil)
	for _, u := range users {
		if err := s.SaveUser(context.Background(), u); err != nil {
			t.Fatalf("save user: %v", err)
		}
	}
	l := NewLedger(s, Config{})
	l.nowFunc = func() time.Time { return time.Date(2026, 5, 4, 13, 45, 0, 0, time.UTC) }
	return l, s
}

func TestEstimate(t *testing.T) {
	l, _ := newTestLedger(t)
	cases := []struct {
		body string
		want int64
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 100), 25},
		{"héllo wörld", 3},
		{"😀😀😀😀😀", 3},
	}
	for _, tc := range cases {
		if got := l.Estimate(tc.body, false); got != tc.want {
			t.Fatalf("Estimate(%q) = %d, want %d", tc.body, got, tc.want)
		}
	}
	if got := l.Estimate("draw a cat", true); got != DefaultImageCost {
		t.Fatalf("image estimate = %d, want %d", got, DefaultImageCost)
	}
}

func TestAllow(t *testing.T) {
	l, _ := newTestLedger(t)
	free := domain.User{Plan: domain.PlanFree, DailyTokensRemaining: 10}
	if l.Allow(free, 25) {
		t.Fatalf("10 remaining should not cover an estimate of 25")
	}
	if !l.Allow(free, 10) {
		t.Fatalf("10 remaining should cover an estimate of 10")
	}
	if l.Allow(domain.User{Plan: domain.PlanFree}, 0) {
		t.Fatalf("zero allowance must be blocked")
	}
	if !l.Allow(domain.User{Plan: domain.PlanPremium}, 1_000_000) {
		t.Fatalf("premium users are never blocked")
	}
	if !l.Exhausted(domain.User{Plan: domain.PlanFree}) || l.Exhausted(domain.User{Plan: domain.PlanPremium}) {
		t.Fatalf("exhausted check wrong")
	}
}

func TestChargeMeteredAndUnmetered(t *testing.T) {
	free := domain.User{ID: "u1", PhoneNumber: "+1", Plan: domain.PlanFree, DailyTokensRemaining: 30}
	premium := domain.User{ID: "u2", PhoneNumber: "+2", Plan: domain.PlanPremium, DailyTokensRemaining: 5}
	l, s := newTestLedger(t, free, premium)
	ctx := context.Background()

	remaining, err := l.Charge(ctx, free, domain.ProviderClaude, 20)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if remaining != 10 {
		t.Fatalf("remaining = %d, want 10", remaining)
	}
	free.DailyTokensRemaining = remaining
	if remaining, _ = l.Charge(ctx, free, domain.ProviderClaude, 50); remaining != 0 {
		t.Fatalf("remaining = %d, want floor 0", remaining)
	}

	if _, err := l.Charge(ctx, premium, domain.ProviderGrok, 400); err != nil {
		t.Fatalf("charge premium: %v", err)
	}
	if got, _ := l.CheckRemaining(ctx, "u2"); got != 5 {
		t.Fatalf("premium allowance = %d, want untouched 5", got)
	}

	day := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	if got, _ := s.GetUsage(ctx, "u1", domain.ProviderClaude, day); got != 70 {
		t.Fatalf("claude usage = %d, want 70", got)
	}
	if got, _ := s.GetUsage(ctx, "u2", domain.ProviderGrok, day); got != 400 {
		t.Fatalf("premium usage = %d, want 400", got)
	}
}

func TestHourBucket(t *testing.T) {
	free := domain.User{ID: "u1", PhoneNumber: "+1", Plan: domain.PlanFree, DailyTokensRemaining: 100}
	l, s := newTestLedger(t, free)
	l.cfg.Bucket = BucketHour
	ctx := context.Background()
	if _, err := l.Charge(ctx, free, domain.ProviderGemini, 3); err != nil {
		t.Fatalf("charge: %v", err)
	}
	hour := time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC)
	if got, _ := s.GetUsage(ctx, "u1", domain.ProviderGemini, hour); got != 3 {
		t.Fatalf("hour usage = %d, want 3", got)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	free := domain.User{ID: "u1", PhoneNumber: "+1", Plan: domain.PlanFree, DailyTokensRemaining: 3}
	l, _ := newTestLedger(t, free)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.Reset(ctx); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
		got, err := l.CheckRemaining(ctx, "u1")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if got != DefaultDailyCeiling {
			t.Fatalf("after reset %d remaining = %d, want %d", i, got, DefaultDailyCeiling)
		}
	}
}

func TestResetCoversUserSavedWithoutPlan(t *testing.T) {
	l, _ := newTestLedger(t, domain.User{ID: "u1", PhoneNumber: "+1", DailyTokensRemaining: 0})
	ctx := context.Background()
	if n, err := l.Reset(ctx); err != nil || n != 1 {
		t.Fatalf("reset count = %d err = %v, want 1", n, err)
	}
	got, err := l.CheckRemaining(ctx, "u1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if got != DefaultDailyCeiling {
		t.Fatalf("remaining = %d, want %d", got, DefaultDailyCeiling)
	}
}

func TestParseBucket(t *testing.T) {
	if b, err := ParseBucket("HOUR"); err != nil || b != BucketHour {
		t.Fatalf("ParseBucket(HOUR) = %q, %v", b, err)
	}
	if b, err := ParseBucket(""); err != nil || b != BucketDay {
		t.Fatalf("ParseBucket(\"\") = %q, %v", b, err)
	}
	if _, err := ParseBucket("week"); err == nil {
		t.Fatalf("expected error for week")
	}
}
