package vendors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"herald/internal/domain"
)

// webhookTimeout bounds one delivery attempt against a provider gateway.
const webhookTimeout = 10 * time.Second

// WebhookPayload is the body posted to a provider gateway.
type WebhookPayload struct {
	MessageID   int64     `json:"message_id,omitempty"`
	Mode        string    `json:"mode"`
	Destination string    `json:"destination"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Application string    `json:"application"`
	Priority    string    `json:"priority,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// WebhookTransport delivers messages by POSTing them to a provider gateway,
// e.g. an SMS or voice bridge in front of the actual carrier.
type WebhookTransport struct {
	mode   domain.Mode
	url    string
	client *http.Client
}

// NewWebhookTransport creates a webhook transport for one mode.
func NewWebhookTransport(mode domain.Mode, url string) *WebhookTransport {
	return &WebhookTransport{
		mode:   mode,
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// Mode is the delivery mode this transport serves.
func (t *WebhookTransport) Mode() domain.Mode {
	return t.mode
}

// Send posts the message to the gateway. Any non-2xx response is an error so
// the dispatcher can retry.
func (t *WebhookTransport) Send(ctx context.Context, msg *domain.Message) error {
	payload := WebhookPayload{
		MessageID:   msg.ID,
		Mode:        string(msg.Mode),
		Destination: msg.Destination,
		Subject:     msg.Subject,
		Body:        msg.Body,
		Application: msg.Application,
		Priority:    string(msg.Priority),
		Timestamp:   time.Now(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s gateway: %w", t.mode, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s gateway returned %s", t.mode, resp.Status)
	}
	return nil
}
