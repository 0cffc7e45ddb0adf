package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"txtwise/internal/util"
	"txtwise/pkg/domain"
)

// maxPriority bounds the priority band encoded in the pending score.
const maxPriority = 9

// claimScript pops the lowest-score pending id and marks it processing in one
// step, so two consumers can never claim the same job.
var claimScript = redis.NewScript(`
local ids = redis.call("ZRANGE", KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call("ZREM", KEYS[1], id)
local key = ARGV[1] .. id
redis.call("HSET", key, "status", "processing", "updatedAt", ARGV[2])
redis.call("HINCRBY", key, "attempts", 1)
local created = redis.call("HGET", key, "createdMs")
redis.call("ZREM", ARGV[3] .. "pending", id)
redis.call("ZADD", ARGV[3] .. "processing", created, id)
return id
`)

// transitionScript moves a job between statuses when its current status is in
// the allowed list. Returns 1 on success, 0 when missing, -1 when disallowed.
var transitionScript = redis.NewScript(`
local key = KEYS[1]
local cur = redis.call("HGET", key, "status")
if not cur then
  return 0
end
if not string.find("," .. ARGV[1] .. ",", "," .. cur .. ",", 1, true) then
  return -1
end
local to = ARGV[2]
redis.call("HSET", key, "status", to, "updatedAt", ARGV[3])
if ARGV[4] ~= "" or to == "completed" then
  redis.call("HSET", key, "error", ARGV[4])
end
local created = redis.call("HGET", key, "createdMs")
redis.call("ZREM", ARGV[5] .. cur, ARGV[6])
redis.call("ZADD", ARGV[5] .. to, created, ARGV[6])
if to == "pending" then
  redis.call("ZADD", KEYS[2], tonumber(ARGV[7]) + tonumber(created), ARGV[6])
end
return 1
`)

// RedisQueue keeps each job in a hash and pending ids in a sorted set scored
// by (priority desc, created asc). Per-status sorted sets back List.
type RedisQueue struct {
	client *redis.Client
	prefix string
	box    Sealer
}

type RedisQueueConfig struct {
	Addr     string
	Password string
	Prefix   string
	Box      Sealer
}

func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	if cfg.Box == nil {
		return nil, errors.New("queue sealer required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "txtwise:jobs"
	}
	return &RedisQueue{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix: prefix,
		box:    cfg.Box,
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, in NewJob) (domain.Job, error) {
	if err := in.validate(); err != nil {
		return domain.Job{}, err
	}
	sealed, err := q.box.Seal(in.Body)
	if err != nil {
		return domain.Job{}, fmt.Errorf("seal job body: %w", err)
	}
	now := time.Now().UTC()
	job := domain.Job{
		ID:        util.NewID(),
		From:      in.From,
		To:        in.To,
		Body:      in.Body,
		Status:    domain.JobPending,
		Priority:  clampPriority(in.Priority),
		CreatedAt: now,
		UpdatedAt: now,
	}
	createdMs := now.UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"id":        job.ID,
		"from":      job.From,
		"to":        job.To,
		"body":      sealed,
		"status":    string(job.Status),
		"priority":  strconv.Itoa(job.Priority),
		"attempts":  "0",
		"error":     "",
		"createdMs": strconv.FormatInt(createdMs, 10),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, q.statusKey(domain.JobPending), redis.Z{Score: float64(createdMs), Member: job.ID})
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: pendingScore(job.Priority, createdMs), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (q *RedisQueue) ClaimNext(ctx context.Context) (domain.Job, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	id, err := claimScript.Run(ctx, q.client, []string{q.pendingKey()}, q.prefix+":job:", now, q.prefix+":status:").Text()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	job, ok, err := q.Get(ctx, id)
	if err != nil {
		return domain.Job{}, false, err
	}
	if !ok {
		return domain.Job{}, false, fmt.Errorf("claimed job %s vanished", id)
	}
	return job, true, nil
}

func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	return q.transition(ctx, id, domain.JobCompleted, "", domain.JobProcessing)
}

func (q *RedisQueue) Fail(ctx context.Context, id string, reason string) error {
	return q.transition(ctx, id, domain.JobFailed, reason, domain.JobProcessing)
}

func (q *RedisQueue) Requeue(ctx context.Context, id string, reason string) error {
	return q.transition(ctx, id, domain.JobPending, reason, domain.JobProcessing, domain.JobFailed)
}

func (q *RedisQueue) transition(ctx context.Context, id string, to domain.JobStatus, reason string, from ...domain.JobStatus) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrJobNotFound
	}
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}
	offset := "0"
	if to == domain.JobPending {
		priority, err := q.client.HGet(ctx, q.jobKey(id), "priority").Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		offset = strconv.FormatFloat(pendingScore(priority, 0), 'f', 0, 64)
	}
	res, err := transitionScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.pendingKey()},
		strings.Join(allowed, ","),
		string(to),
		time.Now().UTC().Format(time.RFC3339Nano),
		reason,
		q.prefix+":status:",
		id,
		offset,
	).Int()
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	switch res {
	case 0:
		return ErrJobNotFound
	case -1:
		return ErrInvalidTransition
	}
	return nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, false, err
	}
	if len(data) == 0 {
		return domain.Job{}, false, nil
	}
	job := decodeJob(id, data)
	if sealed := data["body"]; sealed != "" {
		body, err := q.box.Open(sealed)
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("open job body: %w", err)
		}
		job.Body = body
	}
	return job, true, nil
}

func (q *RedisQueue) List(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	limit = clampLimit(limit)
	ids, err := q.client.ZRange(ctx, q.statusKey(status), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		data, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		out = append(out, decodeJob(id, data))
	}
	return out, nil
}

// rawBody returns the stored ciphertext, for tests.
func (q *RedisQueue) rawBody(ctx context.Context, id string) (string, error) {
	return q.client.HGet(ctx, q.jobKey(id), "body").Result()
}

func (q *RedisQueue) jobKey(id string) string {
	return q.prefix + ":job:" + id
}

func (q *RedisQueue) pendingKey() string {
	return q.prefix + ":pending"
}

func (q *RedisQueue) statusKey(status domain.JobStatus) string {
	return q.prefix + ":status:" + string(status)
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

func pendingScore(priority int, createdMs int64) float64 {
	return float64(maxPriority-clampPriority(priority))*1e13 + float64(createdMs)
}

func decodeJob(id string, data map[string]string) domain.Job {
	job := domain.Job{
		ID:        id,
		From:      data["from"],
		To:        data["to"],
		Status:    domain.JobStatus(data["status"]),
		LastError: data["error"],
	}
	if n, err := strconv.Atoi(data["priority"]); err == nil {
		job.Priority = n
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
