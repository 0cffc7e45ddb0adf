package worker

import (
	"context"
	"fmt"
	"time"

	"txtwise/internal/util"
	"txtwise/pkg/ai"
	"txtwise/pkg/domain"
	"txtwise/pkg/outbound"
	"txtwise/pkg/quota"
)

type outcome struct {
	userID         string
	conversationID string
	provider       domain.Provider
	tokens         int64
	limited        bool
}

func (w *Worker) process(ctx context.Context, job domain.Job) (outcome, error) {
	var out outcome
	user, ok, err := w.store.GetUserByPhone(ctx, job.From)
	if err != nil {
		return out, fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return out, ErrUserNotFound
	}
	out.userID = user.ID
	conv, ok, err := w.store.FindConversation(ctx, job.To, user.ID)
	if err != nil {
		return out, fmt.Errorf("lookup conversation: %w", err)
	}
	if !ok {
		return out, ErrConversationNotFound
	}
	out.conversationID = conv.ID
	provider := conv.Provider
	if provider == "" {
		provider = domain.DefaultProvider
	}
	out.provider = provider

	adapter, err := w.providers.Resolve(provider)
	if err != nil {
		return out, err
	}

	isImage := ai.IsImageIntent(job.Body)
	if !w.ledger.Allow(user, w.ledger.Estimate(job.Body, isImage)) {
		out.limited = true
		w.send(ctx, job.ID, outbound.Message{From: job.To, To: job.From, Body: quota.LimitNotice})
		return out, nil
	}

	// Message IDs derive from the job so a re-run job stores each turn once.
	if err := w.store.AppendMessage(ctx, domain.Message{
		ID:             inboundMessageID(job.ID),
		ConversationID: conv.ID,
		SenderID:       user.ID,
		Body:           job.Body,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return out, fmt.Errorf("save inbound message: %w", err)
	}

	var reply outbound.Message
	var stored string
	if isImage {
		url, err := adapter.GenerateImage(ctx, ai.ImagePrompt(job.Body))
		if err != nil {
			return out, fmt.Errorf("generate image: %w", err)
		}
		url = w.rehost(ctx, url, conv.ID)
		stored = url
		reply = outbound.Message{Body: ImageReplyText, MediaURL: url}
		out.tokens = w.ledger.Estimate(job.Body, true)
	} else {
		history, err := w.history(ctx, conv)
		if err != nil {
			return out, err
		}
		text, err := adapter.Complete(ctx, history)
		if err != nil {
			return out, fmt.Errorf("complete: %w", err)
		}
		stored = text
		reply = outbound.Message{Body: text}
		out.tokens = w.ledger.Estimate(job.Body, false) + w.ledger.Estimate(text, false)
	}

	if !conv.HistoryDisabled {
		if err := w.store.AppendMessage(ctx, domain.Message{
			ID:             replyMessageID(job.ID),
			ConversationID: conv.ID,
			SenderID:       user.ID,
			Body:           stored,
			IsAI:           true,
			CreatedAt:      time.Now().UTC(),
		}); err != nil {
			return out, fmt.Errorf("save reply: %w", err)
		}
	}

	if _, err := w.ledger.Charge(ctx, user, provider, out.tokens); err != nil {
		return out, err
	}

	reply.From = job.To
	reply.To = job.From
	w.send(ctx, job.ID, reply)
	return out, nil
}

func inboundMessageID(jobID string) string { return jobID + "-in" }

func replyMessageID(jobID string) string { return jobID + "-out" }

// history returns the conversation as adapter turns, oldest first, led by
// the initial prompt when one is set. System notes are not part of it.
func (w *Worker) history(ctx context.Context, conv domain.Conversation) ([]domain.Turn, error) {
	msgs, err := w.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	turns := make([]domain.Turn, 0, len(msgs)+1)
	if conv.InitialPrompt != "" {
		turns = append(turns, domain.Turn{Role: domain.RoleSystem, Content: conv.InitialPrompt})
	}
	for _, m := range msgs {
		if m.IsSystem {
			continue
		}
		role := domain.RoleUser
		if m.IsAI {
			role = domain.RoleAssistant
		}
		turns = append(turns, domain.Turn{Role: role, Content: m.Body})
	}
	return turns, nil
}

func (w *Worker) rehost(ctx context.Context, url, conversationID string) string {
	if w.images == nil {
		return url
	}
	hosted, err := w.images.Rehost(ctx, url, conversationID, util.NewID())
	if err != nil {
		w.logger.Warn("image rehost failed, sending vendor url", "conversation_id", conversationID, "err", err)
		return url
	}
	return hosted
}
