package notify

import (
	"context"
	"log/slog"
)

// Transport is the outbound email/SMS provider boundary. Implementations
// must bound each Send with the caller's context.
type Transport interface {
	Send(ctx context.Context, recipient, templateID string, payload map[string]string) error
}

// LogTransport writes notifications to the log instead of a provider. Used in
// development and as a safe default when no provider is configured.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport constructs a log-only transport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, recipient, templateID string, payload map[string]string) error {
	t.logger.InfoContext(ctx, "notification sent",
		"recipient", recipient,
		"template_id", templateID,
		"payload", payload,
	)
	return nil
}
