package api

import (
	"encoding/json"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"herald/internal/queue"
	"herald/internal/sender"
)

// NotificationHandler accepts out-of-band notifications over HTTP and
// publishes them onto the intake queue, where the sender consumes them.
type NotificationHandler struct {
	producer queue.Producer
	logger   *slog.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(producer queue.Producer, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		producer: producer,
		logger:   logger,
	}
}

// Publish handles POST /v1/notifications. The notification is validated and
// queued; delivery happens asynchronously.
func (h *NotificationHandler) Publish(c *fiber.Ctx) error {
	var n sender.Notification
	if err := c.BodyParser(&n); err != nil {
		h.logger.Debug("failed to parse notification body", "error", err)
		return BadRequest(c, "invalid request body")
	}

	if err := n.Validate(); err != nil {
		h.logger.Debug("notification validation failed", "error", err)
		return ValidationError(c, err.Error())
	}

	payload, err := json.Marshal(&n)
	if err != nil {
		return InternalError(c, "failed to encode notification")
	}

	msg := &queue.Message{
		Key:   []byte(n.Application),
		Value: payload,
	}
	if err := h.producer.Publish(c.Context(), msg); err != nil {
		h.logger.Error("failed to publish notification",
			"application", n.Application, "error", err)
		return InternalError(c, "failed to queue notification")
	}

	h.logger.Debug("notification accepted",
		"application", n.Application, "target", n.Target)

	return Accepted(c, map[string]string{
		"status": "accepted",
	})
}
