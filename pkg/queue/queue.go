package queue

import (
	"context"
	"errors"
	"strings"

	"txtwise/pkg/domain"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrInvalidJob        = errors.New("job requires sender, recipient and body")
)

// NewJob is the ingestion-side payload for Enqueue.
type NewJob struct {
	From     string
	To       string
	Body     string
	Priority int
}

func (j NewJob) validate() error {
	if strings.TrimSpace(j.From) == "" || strings.TrimSpace(j.To) == "" || strings.TrimSpace(j.Body) == "" {
		return ErrInvalidJob
	}
	return nil
}

// Queue is the durable FIFO of inbound-message jobs. ClaimNext is the only
// way a job enters processing and must be atomic against concurrent callers.
type Queue interface {
	Enqueue(ctx context.Context, job NewJob) (domain.Job, error)
	// ClaimNext moves the highest-priority, oldest pending job to processing.
	// ok is false when nothing is pending.
	ClaimNext(ctx context.Context) (job domain.Job, ok bool, err error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, reason string) error
	// Requeue moves a processing or failed job back to pending.
	Requeue(ctx context.Context, id string, reason string) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	// List returns jobs in a status oldest first, without bodies.
	List(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
}

// Sealer encrypts job bodies at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(token string) (string, error)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
