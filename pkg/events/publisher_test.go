package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"txtwise/pkg/domain"
)

func TestJobEventWireShape(t *testing.T) {
	e := JobEvent{
		JobID:          "j1",
		UserID:         "u1",
		ConversationID: "c1",
		Provider:       domain.ProviderGrok,
		Status:         domain.JobCompleted,
		Tokens:         42,
		At:             time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if e.RoutingKey() != "job.completed" {
		t.Fatalf("routing key = %q", e.RoutingKey())
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"jobId", "userId", "conversationId", "provider", "status", "tokens", "at"} {
		if _, ok := got[key]; !ok {
			t.Fatalf("missing %q in %s", key, raw)
		}
	}
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = Noop{}
	if err := p.PublishJob(context.Background(), JobEvent{JobID: "j"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewAMQPPublisherRequiresURL(t *testing.T) {
	if _, err := NewAMQPPublisher(" ", ""); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
