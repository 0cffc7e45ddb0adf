package queue

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"txtwise/pkg/secretbox"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	box, err := secretbox.New("queue-test-secret")
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	q, err := NewRedisQueue(RedisQueueConfig{
		Addr:   redisSrv.Addr(),
		Prefix: "test:jobs",
		Box:    box,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestRedisQueue(t *testing.T) {
	runQueueContract(t, func(t *testing.T) Queue { return newTestRedisQueue(t) })
}

func TestRedisQueueBodySealedAtRest(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	job := mustEnqueue(t, q, NewJob{From: "+1", To: "+9", Body: "CLAUDE tell me a secret"})
	raw, err := q.rawBody(ctx, job.ID)
	if err != nil {
		t.Fatalf("raw body: %v", err)
	}
	if strings.Contains(raw, "secret") || !strings.HasPrefix(raw, "v1:") {
		t.Fatalf("body not sealed: %q", raw)
	}

	claimed, ok, err := q.ClaimNext(ctx)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if claimed.Body != "CLAUDE tell me a secret" {
		t.Fatalf("claimed body = %q", claimed.Body)
	}
}

func TestRedisQueueRequeueKeepsPriorityBand(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	free := mustEnqueue(t, q, NewJob{From: "+1", To: "+9", Body: "free", Priority: 0})
	claimed, _, _ := q.ClaimNext(ctx)
	if err := q.Fail(ctx, claimed.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	premium := mustEnqueue(t, q, NewJob{From: "+2", To: "+9", Body: "premium", Priority: 1})
	if err := q.Requeue(ctx, free.ID, "replay"); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	next, ok, err := q.ClaimNext(ctx)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if next.ID != premium.ID {
		t.Fatalf("claimed %s, want premium %s", next.ID, premium.ID)
	}
}
