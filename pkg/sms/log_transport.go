package sms

import (
	"context"
	"log/slog"

	"txtwise/internal/util"
	"txtwise/pkg/outbound"
)

// LogTransport writes outbound messages to the log instead of delivering
// them. Used for local runs without messaging credentials.
type LogTransport struct {
	logger *slog.Logger
}

func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger.With("component", "sms_log")}
}

func (t *LogTransport) Send(ctx context.Context, msg outbound.Message) (string, error) {
	id := util.NewID()
	t.logger.InfoContext(ctx, "sms not delivered (log transport)",
		"id", id,
		"from", util.MaskPhone(msg.From),
		"to", util.MaskPhone(msg.To),
		"chars", len([]rune(msg.Body)),
		"media", msg.MediaURL != "",
	)
	return id, nil
}

var _ outbound.Transport = (*LogTransport)(nil)
