package vendors

import (
	"context"
	"log/slog"

	"herald/internal/domain"
)

// LogTransport logs sends instead of delivering them. It backs modes with no
// gateway configured and is the default in development.
type LogTransport struct {
	mode   domain.Mode
	logger *slog.Logger
}

// NewLogTransport creates a logging transport for one mode.
func NewLogTransport(mode domain.Mode, logger *slog.Logger) *LogTransport {
	return &LogTransport{mode: mode, logger: logger}
}

// Mode is the delivery mode this transport serves.
func (t *LogTransport) Mode() domain.Mode {
	return t.mode
}

// Send logs the message and succeeds.
func (t *LogTransport) Send(ctx context.Context, msg *domain.Message) error {
	t.logger.Info("would deliver message",
		"mode", t.mode,
		"destination", msg.Destination,
		"subject", msg.Subject,
		"application", msg.Application,
		"message_id", msg.ID,
	)
	return nil
}
