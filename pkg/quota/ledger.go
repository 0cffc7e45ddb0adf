package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"txtwise/pkg/domain"
)

const (
	DefaultDailyCeiling = 7500
	DefaultImageCost    = 150
)

// LimitNotice is sent to a metered user whose allowance cannot cover a message.
const LimitNotice = "You have reached your daily token limit. Your allowance resets at midnight UTC. Upgrade at https://txtwise.io for unlimited messages."

var ErrUserNotFound = errors.New("quota: user not found")

// Bucket selects the granularity of usage rows.
type Bucket string

const (
	BucketDay  Bucket = "day"
	BucketHour Bucket = "hour"
)

// ParseBucket accepts "day" or "hour"; anything else is an error.
func ParseBucket(s string) (Bucket, error) {
	switch Bucket(strings.ToLower(strings.TrimSpace(s))) {
	case BucketDay, "":
		return BucketDay, nil
	case BucketHour:
		return BucketHour, nil
	default:
		return "", fmt.Errorf("unknown usage bucket %q", s)
	}
}

// Truncate returns the start of the bucket containing t, in UTC.
func (b Bucket) Truncate(t time.Time) time.Time {
	t = t.UTC()
	if b == BucketHour {
		return t.Truncate(time.Hour)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Store is the slice of the message store the ledger needs.
type Store interface {
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
	AddUsage(ctx context.Context, userID string, provider domain.Provider, bucket time.Time, tokens int64) error
	DeductAllowance(ctx context.Context, userID string, tokens int64) (int64, error)
	ResetAllowances(ctx context.Context, plan domain.Plan, ceiling int64) (int64, error)
}

type Config struct {
	DailyCeiling int64
	ImageCost    int64
	Bucket       Bucket
}

// Ledger tracks per-user allowance and per-provider usage.
type Ledger struct {
	store   Store
	cfg     Config
	nowFunc func() time.Time
}

func NewLedger(store Store, cfg Config) *Ledger {
	if cfg.DailyCeiling <= 0 {
		cfg.DailyCeiling = DefaultDailyCeiling
	}
	if cfg.ImageCost <= 0 {
		cfg.ImageCost = DefaultImageCost
	}
	if cfg.Bucket == "" {
		cfg.Bucket = BucketDay
	}
	return &Ledger{store: store, cfg: cfg, nowFunc: time.Now}
}

// Ceiling is the allowance restored by each reset.
func (l *Ledger) Ceiling() int64 {
	return l.cfg.DailyCeiling
}

func (l *Ledger) CheckRemaining(ctx context.Context, userID string) (int64, error) {
	u, ok, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrUserNotFound
	}
	return u.DailyTokensRemaining, nil
}

// Estimate is ceil(characters/4) for text and a flat cost for images.
// Characters are UTF-16 code units, so a character outside the BMP counts
// twice.
func (l *Ledger) Estimate(body string, isImage bool) int64 {
	if isImage {
		return l.cfg.ImageCost
	}
	n := int64(len(utf16.Encode([]rune(body))))
	return (n + 3) / 4
}

// Exhausted is the door check: a metered user with nothing left.
func (l *Ledger) Exhausted(u domain.User) bool {
	return u.Plan.Metered() && u.DailyTokensRemaining <= 0
}

// Allow reports whether u may spend an estimated amount. Unmetered users are
// always allowed.
func (l *Ledger) Allow(u domain.User, estimate int64) bool {
	if !u.Plan.Metered() {
		return true
	}
	return u.DailyTokensRemaining > 0 && u.DailyTokensRemaining >= estimate
}

// Charge records usage in the current bucket and, for metered users, lowers
// the allowance floored at zero. It returns the allowance left afterwards.
func (l *Ledger) Charge(ctx context.Context, u domain.User, provider domain.Provider, amount int64) (int64, error) {
	if amount < 0 {
		amount = 0
	}
	bucket := l.cfg.Bucket.Truncate(l.nowFunc())
	if err := l.store.AddUsage(ctx, u.ID, provider, bucket, amount); err != nil {
		return 0, fmt.Errorf("record usage: %w", err)
	}
	if !u.Plan.Metered() {
		return u.DailyTokensRemaining, nil
	}
	remaining, err := l.store.DeductAllowance(ctx, u.ID, amount)
	if err != nil {
		return 0, fmt.Errorf("deduct allowance: %w", err)
	}
	return remaining, nil
}

// Reset restores every metered user to the ceiling.
func (l *Ledger) Reset(ctx context.Context) (int64, error) {
	return l.store.ResetAllowances(ctx, domain.PlanFree, l.cfg.DailyCeiling)
}
