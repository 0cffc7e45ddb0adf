package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"txtwise/internal/util"
	"txtwise/pkg/domain"
)

// MemoryQueue is an in-process Queue for local runs and tests.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*memoryJob
	seq  int64
}

type memoryJob struct {
	job domain.Job
	seq int64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*memoryJob)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, in NewJob) (domain.Job, error) {
	if err := in.validate(); err != nil {
		return domain.Job{}, err
	}
	now := time.Now().UTC()
	job := domain.Job{
		ID:        util.NewID(),
		From:      in.From,
		To:        in.To,
		Body:      in.Body,
		Status:    domain.JobPending,
		Priority:  in.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.jobs[job.ID] = &memoryJob{job: job, seq: q.seq}
	return job, nil
}

func (q *MemoryQueue) ClaimNext(_ context.Context) (domain.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next *memoryJob
	for _, mj := range q.jobs {
		if mj.job.Status != domain.JobPending {
			continue
		}
		if next == nil || before(mj, next) {
			next = mj
		}
	}
	if next == nil {
		return domain.Job{}, false, nil
	}
	next.job.Status = domain.JobProcessing
	next.job.Attempts++
	next.job.UpdatedAt = time.Now().UTC()
	return next.job, true, nil
}

func before(a, b *memoryJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	return a.seq < b.seq
}

func (q *MemoryQueue) Complete(_ context.Context, id string) error {
	return q.transition(id, domain.JobCompleted, "", domain.JobProcessing)
}

func (q *MemoryQueue) Fail(_ context.Context, id string, reason string) error {
	return q.transition(id, domain.JobFailed, reason, domain.JobProcessing)
}

func (q *MemoryQueue) Requeue(_ context.Context, id string, reason string) error {
	return q.transition(id, domain.JobPending, reason, domain.JobProcessing, domain.JobFailed)
}

func (q *MemoryQueue) transition(id string, to domain.JobStatus, reason string, from ...domain.JobStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	allowed := false
	for _, s := range from {
		if mj.job.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidTransition
	}
	mj.job.Status = to
	if reason != "" || to == domain.JobCompleted {
		mj.job.LastError = reason
	}
	mj.job.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (domain.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.jobs[id]
	if !ok {
		return domain.Job{}, false, nil
	}
	return mj.job, true, nil
}

func (q *MemoryQueue) List(_ context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	q.mu.Lock()
	items := make([]memoryJob, 0)
	for _, mj := range q.jobs {
		if mj.job.Status == status {
			items = append(items, *mj)
		}
	}
	q.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	limit = clampLimit(limit)
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]domain.Job, 0, len(items))
	for _, mj := range items {
		job := mj.job
		job.Body = ""
		out = append(out, job)
	}
	return out, nil
}
