package outbound

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const DefaultSpacing = time.Second

var (
	ErrClosed        = errors.New("outbound limiter closed")
	ErrInvalidTarget = errors.New("outbound message requires from and to")
)

// Message is one outbound text, optionally carrying a media URL.
type Message struct {
	From     string
	To       string
	Body     string
	MediaURL string
}

// Result reports how a single delivery went.
type Result struct {
	ID     string
	SentAt time.Time
	Err    error
}

// Transport hands a message to the messaging provider and returns its id.
type Transport interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Limiter serializes deliveries per sending identity with a minimum spacing
// between dispatches. Distinct identities run in parallel.
type Limiter struct {
	transport Transport
	spacing   time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	pending []request
}

type request struct {
	ctx  context.Context
	msg  Message
	done chan Result
}

func NewLimiter(transport Transport, spacing time.Duration) *Limiter {
	if spacing < 0 {
		spacing = 0
	}
	return &Limiter{
		transport: transport,
		spacing:   spacing,
		logger:    slog.Default().With("component", "outbound"),
		lanes:     make(map[string]*lane),
	}
}

// Submit queues msg on its sender's lane and returns a channel that receives
// exactly one Result.
func (l *Limiter) Submit(ctx context.Context, msg Message) <-chan Result {
	done := make(chan Result, 1)
	from := strings.TrimSpace(msg.From)
	if from == "" || strings.TrimSpace(msg.To) == "" {
		done <- Result{Err: ErrInvalidTarget}
		return done
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		done <- Result{Err: ErrClosed}
		return done
	}
	ln, ok := l.lanes[from]
	if !ok {
		ln = &lane{}
		l.lanes[from] = ln
		l.wg.Add(1)
		go l.drain(from, ln)
	}
	ln.pending = append(ln.pending, request{ctx: ctx, msg: msg, done: done})
	l.mu.Unlock()
	return done
}

// Send queues msg and blocks until it is dispatched or ctx ends.
func (l *Limiter) Send(ctx context.Context, msg Message) (Result, error) {
	select {
	case res := <-l.Submit(ctx, msg):
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close stops accepting messages and waits for queued ones to finish.
func (l *Limiter) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lanes returns the number of live sending identities.
func (l *Limiter) Lanes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

// drain owns one lane. It stays alive for one spacing window after its last
// dispatch so a follow-up message on the same identity is still spaced.
func (l *Limiter) drain(from string, ln *lane) {
	defer l.wg.Done()
	var last time.Time
	for {
		l.mu.Lock()
		if len(ln.pending) == 0 {
			idle := time.Since(last)
			if last.IsZero() || idle >= l.spacing {
				delete(l.lanes, from)
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			time.Sleep(l.spacing - idle)
			continue
		}
		req := ln.pending[0]
		ln.pending[0] = request{}
		ln.pending = ln.pending[1:]
		l.mu.Unlock()

		if !last.IsZero() {
			if wait := l.spacing - time.Since(last); wait > 0 {
				time.Sleep(wait)
			}
		}
		if err := req.ctx.Err(); err != nil {
			req.done <- Result{Err: err}
			continue
		}
		id, err := l.transport.Send(req.ctx, req.msg)
		last = time.Now()
		if err != nil {
			l.logger.Warn("outbound delivery failed", "from", from, "to", req.msg.To, "err", err)
		}
		req.done <- Result{ID: id, SentAt: last, Err: err}
	}
}
