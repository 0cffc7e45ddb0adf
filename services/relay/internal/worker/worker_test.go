package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"txtwise/pkg/ai"
	"txtwise/pkg/domain"
	"txtwise/pkg/events"
	"txtwise/pkg/outbound"
	"txtwise/pkg/queue"
	"txtwise/pkg/quota"
	"txtwise/pkg/store"
)

const (
	userPhone  = "+15550001111"
	relayPhone = "+15559990000"
)

type stubAdapter struct {
	mu       sync.Mutex
	reply    string
	imageURL string
	errs     []error
	calls    int
	history  []domain.Turn
	entered  chan struct{}
	release  chan struct{}
}

func (a *stubAdapter) Complete(ctx context.Context, history []domain.Turn) (string, error) {
	a.mu.Lock()
	a.calls++
	a.history = append([]domain.Turn(nil), history...)
	var err error
	if len(a.errs) > 0 {
		err, a.errs = a.errs[0], a.errs[1:]
	}
	a.mu.Unlock()
	if a.entered != nil {
		a.entered <- struct{}{}
		<-a.release
	}
	if err != nil {
		return "", err
	}
	return a.reply, nil
}

func (a *stubAdapter) GenerateImage(context.Context, string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.imageURL == "" {
		return "", ai.ErrImageUnsupported
	}
	return a.imageURL, nil
}

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type recordingSender struct {
	mu   sync.Mutex
	sent []outbound.Message
}

func (s *recordingSender) Submit(_ context.Context, msg outbound.Message) <-chan outbound.Result {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	done := make(chan outbound.Result, 1)
	done <- outbound.Result{ID: "SM1", SentAt: time.Now()}
	return done
}

func (s *recordingSender) messages() []outbound.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbound.Message(nil), s.sent...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (p *recordingPublisher) PublishJob(_ context.Context, e events.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fakeImageHost struct{}

func (fakeImageHost) Rehost(_ context.Context, _ string, conversationID, id string) (string, error) {
	return "https://cdn.txtwise.test/images/" + conversationID + "/" + id + ".png", nil
}

type fixture struct {
	worker    *Worker
	store     *store.MemoryStore
	queue     *queue.MemoryQueue
	adapter   *stubAdapter
	sender    *recordingSender
	publisher *recordingPublisher
	user      domain.User
	conv      domain.Conversation
}

func newFixture(t *testing.T, mutate func(*domain.User, *domain.Conversation, *Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	user := domain.User{ID: "u1", PhoneNumber: userPhone, Plan: domain.PlanFree, DailyTokensRemaining: 7500}
	conv := domain.Conversation{ID: "c1", UserID: "u1", Provider: domain.ProviderClaude, FromPhone: relayPhone}
	adapter := &stubAdapter{reply: "Lima is the capital of Peru."}
	registry := ai.NewRegistry(domain.ProviderChatGPT)
	registry.Register(domain.ProviderClaude, adapter)
	f := &fixture{
		store:     st,
		queue:     queue.NewMemoryQueue(),
		adapter:   adapter,
		sender:    &recordingSender{},
		publisher: &recordingPublisher{},
	}
	cfg := Config{
		Queue:     f.queue,
		Store:     st,
		Providers: registry,
		Ledger:    quota.NewLedger(st, quota.Config{}),
		Outbound:  f.sender,
		Events:    f.publisher,
	}
	if mutate != nil {
		mutate(&user, &conv, &cfg)
	}
	if err := st.SaveUser(ctx, user); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if err := st.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("save conversation: %v", err)
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	f.worker = w
	f.user = user
	f.conv = conv
	return f
}

func (f *fixture) enqueue(t *testing.T, body string) domain.Job {
	t.Helper()
	job, err := f.queue.Enqueue(context.Background(), queue.NewJob{From: userPhone, To: relayPhone, Body: body})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func (f *fixture) job(t *testing.T, id string) domain.Job {
	t.Helper()
	job, ok, err := f.queue.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get job %s: ok=%v err=%v", id, ok, err)
	}
	return job
}

func (f *fixture) messages(t *testing.T) []domain.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), f.conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func (f *fixture) remaining(t *testing.T) int64 {
	t.Helper()
	u, _, err := f.store.GetUser(context.Background(), f.user.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u.DailyTokensRemaining
}

func TestDrainTextExchange(t *testing.T) {
	f := newFixture(t, func(_ *domain.User, c *domain.Conversation, _ *Config) {
		c.InitialPrompt = "Answer in one sentence."
	})
	ctx := context.Background()
	if err := f.store.AppendMessage(ctx, domain.Message{ID: "note", ConversationID: "c1", Body: "Switched provider", IsSystem: true, CreatedAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("append note: %v", err)
	}
	body := "What is the capital of Peru?"
	job := f.enqueue(t, body)

	if n := f.worker.Drain(ctx); n != 1 {
		t.Fatalf("drained %d jobs, want 1", n)
	}
	if got := f.job(t, job.ID); got.Status != domain.JobCompleted {
		t.Fatalf("job status = %s (%s)", got.Status, got.LastError)
	}

	msgs := f.messages(t)
	var exchange []domain.Message
	for _, m := range msgs {
		if !m.IsSystem {
			exchange = append(exchange, m)
		}
	}
	if len(exchange) != 2 || exchange[0].IsAI || !exchange[1].IsAI {
		t.Fatalf("exchange = %+v, want inbound then reply", exchange)
	}
	if exchange[1].Body != f.adapter.reply {
		t.Fatalf("stored reply = %q", exchange[1].Body)
	}

	hist := f.adapter.history
	if len(hist) != 2 || hist[0].Role != domain.RoleSystem || hist[0].Content != "Answer in one sentence." {
		t.Fatalf("history = %+v", hist)
	}
	if hist[1].Role != domain.RoleUser || hist[1].Content != body {
		t.Fatalf("history user turn = %+v", hist[1])
	}

	sent := f.sender.messages()
	if len(sent) != 1 || sent[0].From != relayPhone || sent[0].To != userPhone || sent[0].Body != f.adapter.reply {
		t.Fatalf("sent = %+v", sent)
	}

	ledger := quota.NewLedger(f.store, quota.Config{})
	cost := ledger.Estimate(body, false) + ledger.Estimate(f.adapter.reply, false)
	if got := f.remaining(t); got != 7500-cost {
		t.Fatalf("remaining = %d, want %d", got, 7500-cost)
	}
	if len(f.publisher.events) != 1 || f.publisher.events[0].Status != domain.JobCompleted || f.publisher.events[0].Tokens != cost {
		t.Fatalf("events = %+v", f.publisher.events)
	}
}

func TestDrainHistoryDisabledStoresInboundOnly(t *testing.T) {
	f := newFixture(t, func(_ *domain.User, c *domain.Conversation, _ *Config) { c.HistoryDisabled = true })
	f.enqueue(t, "hello")
	f.worker.Drain(context.Background())
	msgs := f.messages(t)
	if len(msgs) != 1 || msgs[0].IsAI {
		t.Fatalf("messages = %+v, want inbound only", msgs)
	}
	if len(f.sender.messages()) != 1 {
		t.Fatalf("reply should still be delivered")
	}
}

func TestDrainQuotaExhausted(t *testing.T) {
	f := newFixture(t, func(u *domain.User, _ *domain.Conversation, _ *Config) { u.DailyTokensRemaining = 0 })
	job := f.enqueue(t, "hello")
	f.worker.Drain(context.Background())

	if f.adapter.callCount() != 0 {
		t.Fatalf("adapter called %d times for exhausted user", f.adapter.callCount())
	}
	if got := f.job(t, job.ID); got.Status != domain.JobCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	sent := f.sender.messages()
	if len(sent) != 1 || sent[0].Body != quota.LimitNotice {
		t.Fatalf("sent = %+v, want one limit notice", sent)
	}
	if len(f.messages(t)) != 0 {
		t.Fatalf("no messages should be stored")
	}
}

func TestDrainEstimateAboveAllowance(t *testing.T) {
	f := newFixture(t, func(u *domain.User, _ *domain.Conversation, _ *Config) { u.DailyTokensRemaining = 10 })
	job := f.enqueue(t, strings.Repeat("x", 100))
	f.worker.Drain(context.Background())

	if f.adapter.callCount() != 0 {
		t.Fatalf("adapter should not be called")
	}
	if got := f.job(t, job.ID); got.Status != domain.JobCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if sent := f.sender.messages(); len(sent) != 1 || sent[0].Body != quota.LimitNotice {
		t.Fatalf("sent = %+v", sent)
	}
	if got := f.remaining(t); got != 10 {
		t.Fatalf("remaining = %d, want unchanged 10", got)
	}
}

func TestDrainPremiumNeverBlocked(t *testing.T) {
	f := newFixture(t, func(u *domain.User, _ *domain.Conversation, _ *Config) {
		u.Plan = domain.PlanPremium
		u.DailyTokensRemaining = 0
	})
	job := f.enqueue(t, "hello")
	f.worker.Drain(context.Background())
	if f.adapter.callCount() != 1 {
		t.Fatalf("premium user should reach the adapter")
	}
	if got := f.job(t, job.ID); got.Status != domain.JobCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	usage, err := f.store.GetUsage(context.Background(), "u1", domain.ProviderClaude, quota.BucketDay.Truncate(time.Now()))
	if err != nil || usage == 0 {
		t.Fatalf("premium usage = %d err=%v, want recorded", usage, err)
	}
}

func TestDrainAdapterErrorFailsJob(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.errs = []error{errors.New("dial tcp: connection refused")}
	job := f.enqueue(t, "hello")
	next := f.enqueue(t, "second")

	if n := f.worker.Drain(context.Background()); n != 2 {
		t.Fatalf("drained %d, want 2 (a bad job must not stop the drain)", n)
	}
	got := f.job(t, job.ID)
	if got.Status != domain.JobFailed || !strings.Contains(got.LastError, "connection refused") {
		t.Fatalf("job = %+v", got)
	}
	if f.job(t, next.ID).Status != domain.JobCompleted {
		t.Fatalf("next job should complete")
	}
	replies := 0
	for _, m := range f.messages(t) {
		if m.IsAI {
			replies++
		}
	}
	if replies != 1 {
		t.Fatalf("ai replies stored = %d, want 1 (only the second job)", replies)
	}
	if sent := f.sender.messages(); len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	if f.publisher.events[0].Status != domain.JobFailed {
		t.Fatalf("first event = %+v", f.publisher.events[0])
	}
}

func TestDrainRetryPolicy(t *testing.T) {
	f := newFixture(t, func(_ *domain.User, _ *domain.Conversation, cfg *Config) {
		cfg.Policy = PolicyRetry
		cfg.MaxAttempts = 3
	})
	f.adapter.errs = []error{errors.New("503"), errors.New("503")}
	job := f.enqueue(t, "hello")
	f.worker.Drain(context.Background())

	got := f.job(t, job.ID)
	if got.Status != domain.JobCompleted || got.Attempts != 3 {
		t.Fatalf("job = %+v, want completed on attempt 3", got)
	}

	f.adapter.errs = []error{errors.New("a"), errors.New("b"), errors.New("c")}
	again := f.enqueue(t, "hello again")
	f.worker.Drain(context.Background())
	if got := f.job(t, again.ID); got.Status != domain.JobFailed || got.Attempts != 3 {
		t.Fatalf("job = %+v, want failed after 3 attempts", got)
	}
}

func TestDrainRetryStoresExchangeOnce(t *testing.T) {
	f := newFixture(t, func(_ *domain.User, _ *domain.Conversation, cfg *Config) {
		cfg.Policy = PolicyRetry
		cfg.MaxAttempts = 3
	})
	f.adapter.errs = []error{errors.New("503"), errors.New("503")}
	job := f.enqueue(t, "hello")
	f.worker.Drain(context.Background())

	if got := f.job(t, job.ID); got.Status != domain.JobCompleted || got.Attempts != 3 {
		t.Fatalf("job = %+v, want completed on attempt 3", got)
	}
	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (inbound, reply)", len(msgs))
	}
	if msgs[0].IsAI || msgs[0].Body != "hello" || !msgs[1].IsAI {
		t.Fatalf("messages = %+v", msgs)
	}
	if len(f.adapter.history) != 1 || f.adapter.history[0].Content != "hello" {
		t.Fatalf("adapter history = %+v, want a single user turn", f.adapter.history)
	}
}

func TestDrainReplayedJobStoresExchangeOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.errs = []error{errors.New("timeout")}
	job := f.enqueue(t, "hello")
	f.worker.Drain(context.Background())
	if got := f.job(t, job.ID); got.Status != domain.JobFailed {
		t.Fatalf("job = %+v, want failed", got)
	}

	if err := f.queue.Requeue(context.Background(), job.ID, "replayed"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	f.worker.Drain(context.Background())
	if got := f.job(t, job.ID); got.Status != domain.JobCompleted {
		t.Fatalf("job = %+v, want completed", got)
	}
	if msgs := f.messages(t); len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (inbound, reply)", len(msgs))
	}
	if len(f.adapter.history) != 1 {
		t.Fatalf("adapter history = %+v, want a single user turn", f.adapter.history)
	}
}

func TestDrainUnknownProviderFails(t *testing.T) {
	f := newFixture(t, func(_ *domain.User, c *domain.Conversation, _ *Config) { c.Provider = domain.ProviderGrok })
	job := f.enqueue(t, "hello")
	f.worker.Drain(context.Background())
	got := f.job(t, job.ID)
	if got.Status != domain.JobFailed || !strings.Contains(got.LastError, "grok") {
		t.Fatalf("job = %+v", got)
	}
}

func TestDrainMissingUserFails(t *testing.T) {
	f := newFixture(t, nil)
	job, err := f.queue.Enqueue(context.Background(), queue.NewJob{From: "+15550004444", To: relayPhone, Body: "hi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.worker.Drain(context.Background())
	got := f.job(t, job.ID)
	if got.Status != domain.JobFailed || got.LastError != ErrUserNotFound.Error() {
		t.Fatalf("job = %+v", got)
	}
	if len(f.sender.messages()) != 0 {
		t.Fatalf("fatal-to-job errors are not reported to the sender")
	}
}

func TestDrainImageIntent(t *testing.T) {
	f := newFixture(t, func(_ *domain.User, _ *domain.Conversation, cfg *Config) { cfg.Images = fakeImageHost{} })
	f.adapter.imageURL = "https://vendor.example/tmp/abc.png"
	job := f.enqueue(t, "image: a lighthouse at dusk")
	f.worker.Drain(context.Background())

	if got := f.job(t, job.ID); got.Status != domain.JobCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.LastError)
	}
	sent := f.sender.messages()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].MediaURL, "https://cdn.txtwise.test/images/c1/") {
		t.Fatalf("sent = %+v", sent)
	}
	if got := f.remaining(t); got != 7500-quota.DefaultImageCost {
		t.Fatalf("remaining = %d, want %d", got, 7500-quota.DefaultImageCost)
	}
}

func TestDrainImageUnsupportedFails(t *testing.T) {
	f := newFixture(t, nil)
	job := f.enqueue(t, "draw a cat")
	f.worker.Drain(context.Background())
	if got := f.job(t, job.ID); got.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed without an image provider", got.Status)
	}
}

func TestDrainIsSingleFlight(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.entered = make(chan struct{})
	f.adapter.release = make(chan struct{})
	f.enqueue(t, "one")
	f.enqueue(t, "two")

	ctx := context.Background()
	done := make(chan int)
	go func() { done <- f.worker.Drain(ctx) }()

	<-f.adapter.entered
	if n := f.worker.Drain(ctx); n != 0 {
		t.Fatalf("reentrant drain handled %d jobs, want 0", n)
	}
	jobs, _ := f.queue.List(ctx, domain.JobProcessing, 10)
	if len(jobs) != 1 {
		t.Fatalf("processing jobs = %d, want 1", len(jobs))
	}
	f.adapter.release <- struct{}{}
	<-f.adapter.entered
	f.adapter.release <- struct{}{}
	if n := <-done; n != 2 {
		t.Fatalf("drain handled %d, want 2", n)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	f := newFixture(t, nil)
	f.worker.Trigger()
	f.worker.Trigger()
	f.worker.Trigger()
	if got := len(f.worker.trigger); got != 1 {
		t.Fatalf("pending triggers = %d, want 1", got)
	}
}

func TestRunDrainsOnTrigger(t *testing.T) {
	f := newFixture(t, func(_ *domain.User, _ *domain.Conversation, cfg *Config) { cfg.PollInterval = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- f.worker.Run(ctx) }()

	job := f.enqueue(t, "hello")
	f.worker.Trigger()

	deadline := time.Now().Add(2 * time.Second)
	for f.job(t, job.ID).Status != domain.JobCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("job not completed, status = %s", f.job(t, job.ID).Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-stopped; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	st := store.NewMemoryStore(nil)
	_, err := New(Config{
		Queue:     queue.NewMemoryQueue(),
		Store:     st,
		Providers: ai.NewRegistry(domain.ProviderChatGPT),
		Ledger:    quota.NewLedger(st, quota.Config{}),
		Outbound:  &recordingSender{},
		Policy:    "drop",
	})
	if err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
