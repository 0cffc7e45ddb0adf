package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"txtwise/internal/util"
	"txtwise/pkg/domain"
	"txtwise/pkg/outbound"
	"txtwise/pkg/queue"
	"txtwise/pkg/quota"
	"txtwise/pkg/store"
)

const (
	RegistrationNotice   = "You are not registered. Please create an account at https://txtwise.io to use this service."
	NoConversationNotice = "There is no conversation set up for this number. Create one at https://txtwise.io."
	PausedNotice         = "This conversation is paused. Resume it at https://txtwise.io to keep chatting."
)

// Outcome says how an inbound message was handled.
type Outcome string

const (
	OutcomeQueued         Outcome = "queued"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeEmpty          Outcome = "empty"
	OutcomeUnregistered   Outcome = "unregistered"
	OutcomeNoConversation Outcome = "no_conversation"
	OutcomeCommand        Outcome = "command"
	OutcomePaused         Outcome = "paused"
	OutcomeSwitched       Outcome = "switched"
	OutcomeUnavailable    Outcome = "provider_unavailable"
	OutcomeQuotaExhausted Outcome = "quota_exhausted"
)

// Inbound is one message received from the messaging transport.
type Inbound struct {
	From string
	To   string
	Body string
}

// Result describes what ingestion did. Reply is the informational text sent
// back, if any; JobID is set when the message was queued.
type Result struct {
	Outcome Outcome
	JobID   string
	Reply   string
}

// Sender queues outbound texts. *outbound.Limiter satisfies it.
type Sender interface {
	Submit(ctx context.Context, msg outbound.Message) <-chan outbound.Result
}

// Trigger wakes the queue worker.
type Trigger interface {
	Trigger()
}

// RateLimiter bounds inbound messages per sender.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config holds runtime dependencies for ingestion.
type Config struct {
	Store     store.Store
	Queue     queue.Queue
	Ledger    *quota.Ledger
	Outbound  Sender
	Worker    Trigger
	RateLimit RateLimiter
	// Providers are the providers with a configured adapter.
	Providers []domain.Provider
}

// App validates inbound messages, answers commands and feeds the job queue.
type App struct {
	store     store.Store
	queue     queue.Queue
	ledger    *quota.Ledger
	outbound  Sender
	worker    Trigger
	rateLimit RateLimiter
	providers []domain.Provider
	logger    *slog.Logger
}

// New constructs the ingestion core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("quota ledger required")
	}
	if cfg.Outbound == nil {
		return nil, fmt.Errorf("outbound sender required")
	}
	providers := cfg.Providers
	if len(providers) == 0 {
		providers = domain.Providers
	}
	return &App{
		store:     cfg.Store,
		queue:     cfg.Queue,
		ledger:    cfg.Ledger,
		outbound:  cfg.Outbound,
		worker:    cfg.Worker,
		rateLimit: cfg.RateLimit,
		providers: providers,
		logger:    slog.Default().With("component", "ingest"),
	}, nil
}

// HandleInbound runs the ingestion pipeline for one message. Rejections are
// reported through Result.Outcome; the error is reserved for store and queue
// failures.
func (a *App) HandleInbound(ctx context.Context, in Inbound) (Result, error) {
	in.From = strings.TrimSpace(in.From)
	in.To = strings.TrimSpace(in.To)
	in.Body = strings.TrimSpace(in.Body)
	if in.From == "" || in.To == "" {
		return Result{}, ErrInvalidInbound
	}
	logger := util.LoggerFromContext(ctx).With("from", util.MaskPhone(in.From), "to", util.MaskPhone(in.To))

	if a.rateLimit != nil && !a.rateLimit.Allow(ctx, in.From) {
		logger.Warn("inbound rate limited")
		return Result{Outcome: OutcomeRateLimited}, nil
	}

	user, ok, err := a.store.GetUserByPhone(ctx, in.From)
	if err != nil {
		return Result{}, fmt.Errorf("lookup sender: %w", err)
	}
	if !ok {
		logger.Info("unregistered sender")
		return a.reply(ctx, in, OutcomeUnregistered, RegistrationNotice), nil
	}

	conv, ok, err := a.store.FindConversation(ctx, in.To, user.ID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup conversation: %w", err)
	}
	if !ok {
		return a.reply(ctx, in, OutcomeNoConversation, NoConversationNotice), nil
	}
	if conv.Provider == "" {
		conv.Provider = domain.DefaultProvider
	}

	if cmd, ok := parseCommand(in.Body); ok {
		logger.Info("command received", "command", string(cmd))
		return a.reply(ctx, in, OutcomeCommand, a.commandReply(cmd, user, conv)), nil
	}
	if conv.Paused {
		return a.reply(ctx, in, OutcomePaused, PausedNotice), nil
	}

	body := in.Body
	if provider, rest, ok := splitProviderKeyword(body); ok {
		if !a.available(provider) {
			return a.reply(ctx, in, OutcomeUnavailable, fmt.Sprintf("%s is not available right now. Send AI to see the available providers.", provider.Keyword())), nil
		}
		if err := a.switchProvider(ctx, user, conv, provider); err != nil {
			return Result{}, err
		}
		logger.Info("provider switched", "conversation_id", conv.ID, "provider", string(provider))
		if rest == "" {
			return a.reply(ctx, in, OutcomeSwitched, fmt.Sprintf("Switched to %s. Send your next message to start chatting.", provider.Keyword())), nil
		}
		body = rest
	}
	if body == "" {
		return Result{Outcome: OutcomeEmpty}, nil
	}

	if a.ledger.Exhausted(user) {
		logger.Info("quota exhausted at ingestion", "user_id", user.ID)
		return a.reply(ctx, in, OutcomeQuotaExhausted, quota.LimitNotice), nil
	}

	job, err := a.queue.Enqueue(ctx, queue.NewJob{
		From:     in.From,
		To:       in.To,
		Body:     body,
		Priority: domain.PriorityFor(user.Plan),
	})
	if err != nil {
		return Result{}, fmt.Errorf("enqueue: %w", err)
	}
	logger.Info("job queued", "job_id", job.ID, "priority", job.Priority, "chars", len([]rune(body)))
	if a.worker != nil {
		a.worker.Trigger()
	}
	return Result{Outcome: OutcomeQueued, JobID: job.ID}, nil
}

// ListJobs returns jobs in a status without bodies.
func (a *App) ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	return a.queue.List(ctx, status, limit)
}

// ReplayJob moves a failed job back to pending and wakes the worker.
func (a *App) ReplayJob(ctx context.Context, id string) error {
	job, ok, err := a.queue.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if !ok {
		return queue.ErrJobNotFound
	}
	if job.Status != domain.JobFailed {
		return ErrJobNotFailed
	}
	if err := a.queue.Requeue(ctx, id, "replayed by operator"); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			return ErrJobNotFailed
		}
		return fmt.Errorf("requeue job: %w", err)
	}
	if a.worker != nil {
		a.worker.Trigger()
	}
	return nil
}

func (a *App) switchProvider(ctx context.Context, user domain.User, conv domain.Conversation, provider domain.Provider) error {
	if err := a.store.SetConversationProvider(ctx, conv.ID, provider); err != nil {
		return fmt.Errorf("set conversation provider: %w", err)
	}
	note := domain.Message{
		ID:             util.NewID(),
		ConversationID: conv.ID,
		SenderID:       user.ID,
		Body:           fmt.Sprintf("Switched provider from %s to %s", conv.Provider, provider),
		IsSystem:       true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.store.AppendMessage(ctx, note); err != nil {
		return fmt.Errorf("save system note: %w", err)
	}
	return nil
}

func (a *App) available(p domain.Provider) bool {
	for _, known := range a.providers {
		if known == p {
			return true
		}
	}
	return false
}

// reply answers the sender from the number they texted. Delivery happens on
// the outbound lane; the result is only logged.
func (a *App) reply(ctx context.Context, in Inbound, outcome Outcome, text string) Result {
	msg := outbound.Message{From: in.To, To: in.From, Body: text}
	done := a.outbound.Submit(context.WithoutCancel(ctx), msg)
	go func() {
		res := <-done
		if res.Err != nil {
			a.logger.Warn("informational reply failed", "outcome", string(outcome), "to", util.MaskPhone(in.From), "err", res.Err)
		}
	}()
	return Result{Outcome: outcome, Reply: text}
}

func splitProviderKeyword(body string) (domain.Provider, string, bool) {
	first, rest := body, ""
	if i := strings.IndexFunc(body, unicode.IsSpace); i >= 0 {
		first, rest = body[:i], body[i:]
	}
	provider, ok := domain.ParseProvider(first)
	if !ok {
		return "", "", false
	}
	return provider, strings.TrimSpace(rest), true
}
