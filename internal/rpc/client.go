package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"herald/internal/domain"
	"herald/internal/metrics"
)

// Client issues peer calls over NATS.
type Client struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient connects to NATS and returns a peer client. The timeout bounds
// each request round trip.
func NewClient(url string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Name("herald-sender"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn, timeout: timeout, logger: logger}, nil
}

// NewClientWithConn wraps an existing NATS connection, e.g. in tests.
func NewClientWithConn(conn *nats.Conn, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{conn: conn, timeout: timeout, logger: logger}
}

// Deliver hands a message to a peer for local vendor delivery only.
func (c *Client) Deliver(ctx context.Context, peer string, msg *domain.Message) string {
	return c.request(ctx, deliverSubject(peer), msg)
}

func (c *Client) request(ctx context.Context, subject string, msg *domain.Message) string {
	status := c.doRequest(ctx, subject, msg)
	metrics.PeerSendsTotal.WithLabelValues(statusLabel(status)).Inc()
	if status != StatusOK {
		c.logger.Warn("peer call did not succeed",
			"subject", subject, "status", status, "message_id", msg.ID)
	}
	return status
}

func (c *Client) doRequest(ctx context.Context, subject string, msg *domain.Message) string {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal peer message", "error", err)
		return StatusFail
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.conn.RequestWithContext(ctx, subject, data)
	switch {
	case err == nil:
		status := string(resp.Data)
		switch status {
		case StatusOK, StatusFail:
			return status
		default:
			return StatusUnknown
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return StatusTimeout
	case errors.Is(err, nats.ErrNoResponders):
		// Nobody is listening on the subject; the peer is down.
		return StatusFail
	default:
		c.logger.Error("peer request failed", "subject", subject, "error", err)
		return StatusUnknown
	}
}

// Close drains the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
