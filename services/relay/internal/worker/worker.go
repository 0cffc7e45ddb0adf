package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"txtwise/internal/util"
	"txtwise/pkg/ai"
	"txtwise/pkg/domain"
	"txtwise/pkg/events"
	"txtwise/pkg/outbound"
	"txtwise/pkg/queue"
	"txtwise/pkg/quota"
	"txtwise/pkg/store"
)

const (
	DefaultPollInterval = 5 * time.Second
	ImageReplyText      = "Here is your image."
)

var (
	ErrUserNotFound         = errors.New("user not found for sender")
	ErrConversationNotFound = errors.New("no conversation for recipient and user")
)

// FailurePolicy decides what happens to a job after a fatal error.
type FailurePolicy string

const (
	// PolicyKeep leaves failed jobs for inspection and manual replay.
	PolicyKeep FailurePolicy = "keep"
	// PolicyRetry returns failed jobs to pending until MaxAttempts claims.
	PolicyRetry FailurePolicy = "retry"
)

// Resolver returns the adapter serving a provider. *ai.Registry satisfies it.
type Resolver interface {
	Resolve(p domain.Provider) (ai.Adapter, error)
}

// Sender queues outbound texts. *outbound.Limiter satisfies it.
type Sender interface {
	Submit(ctx context.Context, msg outbound.Message) <-chan outbound.Result
}

// ImageHost re-hosts vendor image URLs. *storage.ImageHost satisfies it.
type ImageHost interface {
	Rehost(ctx context.Context, sourceURL, conversationID, id string) (string, error)
}

type Config struct {
	Queue     queue.Queue
	Store     store.Store
	Providers Resolver
	Ledger    *quota.Ledger
	Outbound  Sender
	Images    ImageHost
	Events    events.Publisher

	Policy       FailurePolicy
	MaxAttempts  int
	PollInterval time.Duration
}

// Worker drains the job queue one job at a time. Only one drain runs at
// once; triggers that arrive during a drain collapse into a single re-run.
type Worker struct {
	queue     queue.Queue
	store     store.Store
	providers Resolver
	ledger    *quota.Ledger
	outbound  Sender
	images    ImageHost
	events    events.Publisher

	policy      FailurePolicy
	maxAttempts int
	poll        time.Duration

	trigger  chan struct{}
	draining atomic.Bool
	logger   *slog.Logger
}

func New(cfg Config) (*Worker, error) {
	if cfg.Queue == nil || cfg.Store == nil {
		return nil, fmt.Errorf("queue and store required")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider registry required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("quota ledger required")
	}
	if cfg.Outbound == nil {
		return nil, fmt.Errorf("outbound sender required")
	}
	policy := cfg.Policy
	switch policy {
	case "":
		policy = PolicyKeep
	case PolicyKeep, PolicyRetry:
	default:
		return nil, fmt.Errorf("unknown failure policy %q", policy)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Worker{
		queue:       cfg.Queue,
		store:       cfg.Store,
		providers:   cfg.Providers,
		ledger:      cfg.Ledger,
		outbound:    cfg.Outbound,
		images:      cfg.Images,
		events:      publisher,
		policy:      policy,
		maxAttempts: maxAttempts,
		poll:        poll,
		trigger:     make(chan struct{}, 1),
		logger:      slog.Default().With("component", "worker"),
	}, nil
}

// Trigger asks Run to drain the queue. It never blocks.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every trigger and poll tick until ctx ends. The first drain
// runs immediately to pick up jobs left pending by a previous process.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	w.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.trigger:
		case <-ticker.C:
		}
		if n := w.Drain(ctx); n > 0 {
			w.logger.Debug("drain finished", "jobs", n)
		}
	}
}

// Drain claims and processes jobs until the queue is empty or ctx ends, and
// returns how many jobs it handled. A call made while another drain is
// running returns 0 immediately.
func (w *Worker) Drain(ctx context.Context) int {
	if !w.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer w.draining.Store(false)

	handled := 0
	for ctx.Err() == nil {
		job, ok, err := w.queue.ClaimNext(ctx)
		if err != nil {
			w.logger.Error("claim next job failed", "err", err)
			return handled
		}
		if !ok {
			return handled
		}
		handled++
		w.handle(ctx, job)
	}
	return handled
}

func (w *Worker) handle(ctx context.Context, job domain.Job) {
	logger := w.logger.With("job_id", job.ID, "attempt", job.Attempts)
	start := time.Now()
	out, err := w.process(ctx, job)
	interrupted := ctx.Err() != nil
	// Transitions must land even when shutdown cancels ctx mid-job.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		if interrupted {
			if rqErr := w.queue.Requeue(ctx, job.ID, "interrupted by shutdown"); rqErr != nil {
				logger.Error("requeue interrupted job failed", "err", rqErr)
			}
			return
		}
		w.failJob(ctx, logger, job, out, err)
		return
	}
	if err := w.queue.Complete(ctx, job.ID); err != nil {
		logger.Error("complete job failed", "err", err)
		return
	}
	logger.Info("job completed",
		"provider", string(out.provider),
		"tokens", out.tokens,
		"limited", out.limited,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	w.publish(ctx, job, out, domain.JobCompleted)
}

func (w *Worker) failJob(ctx context.Context, logger *slog.Logger, job domain.Job, out outcome, cause error) {
	if w.policy == PolicyRetry && job.Attempts < w.maxAttempts {
		if err := w.queue.Requeue(ctx, job.ID, cause.Error()); err != nil {
			logger.Error("requeue job failed", "err", err)
			return
		}
		logger.Warn("job requeued", "err", cause, "max_attempts", w.maxAttempts)
		return
	}
	if err := w.queue.Fail(ctx, job.ID, cause.Error()); err != nil {
		logger.Error("fail job failed", "err", err, "cause", cause)
		return
	}
	logger.Error("job failed", "err", cause)
	w.publish(ctx, job, out, domain.JobFailed)
}

func (w *Worker) publish(ctx context.Context, job domain.Job, out outcome, status domain.JobStatus) {
	err := w.events.PublishJob(ctx, events.JobEvent{
		JobID:          job.ID,
		UserID:         out.userID,
		ConversationID: out.conversationID,
		Provider:       out.provider,
		Status:         status,
		Tokens:         out.tokens,
		At:             time.Now().UTC(),
	})
	if err != nil {
		w.logger.Warn("publish job event failed", "job_id", job.ID, "err", err)
	}
}

// send hands msg to the outbound limiter without waiting for its spacing.
func (w *Worker) send(ctx context.Context, jobID string, msg outbound.Message) {
	done := w.outbound.Submit(context.WithoutCancel(ctx), msg)
	go func() {
		res := <-done
		if res.Err != nil {
			w.logger.Warn("reply delivery failed", "job_id", jobID, "to", util.MaskPhone(msg.To), "err", res.Err)
			return
		}
		w.logger.Debug("reply delivered", "job_id", jobID, "message_id", res.ID)
	}()
}
