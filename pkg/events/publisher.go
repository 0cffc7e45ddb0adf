package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"txtwise/pkg/domain"
)

const DefaultExchange = "txtwise.jobs"

// JobEvent is published after a job reaches a terminal status.
type JobEvent struct {
	JobID          string           `json:"jobId"`
	UserID         string           `json:"userId,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
	Provider       domain.Provider  `json:"provider,omitempty"`
	Status         domain.JobStatus `json:"status"`
	Tokens         int64            `json:"tokens"`
	At             time.Time        `json:"at"`
}

// RoutingKey is job.<status>.
func (e JobEvent) RoutingKey() string {
	return "job." + string(e.Status)
}

type Publisher interface {
	PublishJob(ctx context.Context, e JobEvent) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) PublishJob(context.Context, JobEvent) error { return nil }
func (Noop) Close() error                               { return nil }

// AMQPPublisher publishes job events to a durable topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) PublishJob(ctx context.Context, e JobEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, e.RoutingKey(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.JobID,
		Timestamp:    e.At,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}
