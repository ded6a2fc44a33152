package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"herald/internal/domain"
)

// Handler processes a message received from a peer. The message must be
// delivered locally and never proxied onward.
type Handler func(ctx context.Context, msg *domain.Message) error

// Server answers peer calls addressed to this sender.
type Server struct {
	conn    *nats.Conn
	name    string
	handler Handler
	logger  *slog.Logger

	subs []*nats.Subscription
}

// NewServer creates a peer server for the sender with the given peer name.
func NewServer(conn *nats.Conn, name string, handler Handler, logger *slog.Logger) *Server {
	return &Server{conn: conn, name: name, handler: handler, logger: logger}
}

// Start subscribes to this peer's delivery subject. Replies carry a one-word
// status.
func (s *Server) Start(ctx context.Context) error {
	deliver, err := s.conn.Subscribe(deliverSubject(s.name), func(m *nats.Msg) {
		s.handle(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", deliverSubject(s.name), err)
	}

	s.subs = []*nats.Subscription{deliver}
	s.logger.Info("peer server listening", "peer", s.name)
	return nil
}

func (s *Server) handle(ctx context.Context, m *nats.Msg) {
	var msg domain.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		s.logger.Error("failed to decode peer message", "subject", m.Subject, "error", err)
		m.Respond([]byte(StatusFail))
		return
	}
	msg.ToPeer = true

	if err := s.handler(ctx, &msg); err != nil {
		s.logger.Error("peer message handling failed",
			"subject", m.Subject, "message_id", msg.ID, "error", err)
		m.Respond([]byte(StatusFail))
		return
	}
	m.Respond([]byte(StatusOK))
}

// Stop unsubscribes from the peer subjects.
func (s *Server) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}
