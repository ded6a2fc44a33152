// Package dispatch moves resolved, rendered messages to their vendor. The
// master can hand deliveries to peers over RPC, falling back to local
// delivery when a peer does not answer; failed sends are retried and
// eventually reclassified to the fallback mode before giving up.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"herald/internal/contact"
	"herald/internal/domain"
	"herald/internal/metrics"
	"herald/internal/rpc"
	"herald/internal/store"
	"herald/internal/vendors"
)

// Outcome is what happened to a dispatched message.
type Outcome int

const (
	// OutcomeSent means the message reached a vendor (here or on a peer).
	OutcomeSent Outcome = iota
	// OutcomeRetry means the message was mutated for another attempt and
	// must be re-queued.
	OutcomeRetry
	// OutcomeFailed means delivery failed terminally.
	OutcomeFailed
	// OutcomeDropped means policy discarded the message before any vendor.
	OutcomeDropped
)

// PeerClient hands a message to a peer for local delivery.
type PeerClient interface {
	Deliver(ctx context.Context, peer string, msg *domain.Message) string
}

// Renderer re-renders a message after its mode changes. Templates are
// per-mode, so a reclassified message needs a fresh body.
type Renderer interface {
	Render(ctx context.Context, msg *domain.Message) error
}

// Dispatcher delivers messages and keeps the store in sync.
type Dispatcher struct {
	registry *vendors.Registry
	messages store.MessageRepository
	contacts store.ContactRepository
	audit    store.AuditLog
	renderer Renderer
	reprio   *contact.Reprioritizer
	fallback domain.Mode
	logger   *slog.Logger

	peerClient PeerClient
	peers      []string

	mu       sync.Mutex
	peerNext int
}

// NewDispatcher creates a dispatcher. fallback is the mode of last resort for
// reclassification. peerClient and peers may be empty for single-node
// deployments; every delivery is then local.
func NewDispatcher(
	registry *vendors.Registry,
	messages store.MessageRepository,
	contacts store.ContactRepository,
	audit store.AuditLog,
	renderer Renderer,
	reprio *contact.Reprioritizer,
	fallback domain.Mode,
	peerClient PeerClient,
	peers []string,
	logger *slog.Logger,
) *Dispatcher {
	if fallback == "" {
		fallback = domain.ModeEmail
	}
	return &Dispatcher{
		registry:   registry,
		messages:   messages,
		contacts:   contacts,
		audit:      audit,
		renderer:   renderer,
		reprio:     reprio,
		fallback:   fallback,
		peerClient: peerClient,
		peers:      peers,
		logger:     logger,
	}
}

// Dispatch delivers one message and returns what happened. On OutcomeRetry
// the message has been mutated (retry count, possibly mode) and the caller
// re-queues it.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *domain.Message) Outcome {
	if msg.Mode == domain.ModeDrop {
		return d.drop(ctx, msg, "drop_mode", "")
	}
	if len(msg.Body) > domain.MaxBodyLength {
		return d.drop(ctx, msg, "body_length",
			"rendered body exceeded the size ceiling")
	}

	// The master spreads deliveries over its peers; a message already
	// received from a peer must be delivered here, never proxied again.
	if !msg.ToPeer && d.peerClient != nil {
		if peer := d.nextPeer(); peer != "" {
			if status := d.peerClient.Deliver(ctx, peer, msg); status == rpc.StatusOK {
				d.markSent(ctx, msg)
				return OutcomeSent
			}
			d.logger.Warn("peer delivery failed, delivering locally",
				"peer", peer, "message_id", msg.ID)
		}
	}

	if err := d.DeliverLocal(ctx, msg); err != nil {
		d.logger.Error("vendor send failed",
			"mode", msg.Mode, "message_id", msg.ID, "retries", msg.RetryCount, "error", err)
		return d.handleFailure(ctx, msg)
	}
	d.markSent(ctx, msg)
	return OutcomeSent
}

// DeliverLocal hands the message to this node's vendor for its mode without
// touching the store. Peer servers call this for messages owned elsewhere.
func (d *Dispatcher) DeliverLocal(ctx context.Context, msg *domain.Message) error {
	transport, err := d.registry.For(msg.Mode)
	if err != nil {
		return err
	}

	start := time.Now()
	err = transport.Send(ctx, msg)
	metrics.SendLatency.WithLabelValues(string(msg.Mode)).Observe(time.Since(start).Seconds())
	return err
}

// markSent records a successful delivery.
func (d *Dispatcher) markSent(ctx context.Context, msg *domain.Message) {
	metrics.MessagesSentTotal.WithLabelValues(msg.Application, string(msg.Mode)).Inc()
	if msg.Target != "" {
		d.reprio.Track(msg.Target, msg.Mode)
	}
	if msg.ID == 0 {
		return
	}
	if err := d.messages.MarkSent(ctx, time.Now(), msg.ID); err != nil {
		d.logger.Error("failed to mark message sent", "message_id", msg.ID, "error", err)
	}
}

// handleFailure decides between retry, fallback reclassification, and
// terminal failure. Retries keep the mode; once they run out a message gets
// one more life on the fallback mode, re-rendered for it since templates are
// per-mode. Fallback-mode failures past the retry budget are final.
func (d *Dispatcher) handleFailure(ctx context.Context, msg *domain.Message) Outcome {
	if msg.RetryCount < domain.MaxSendRetries {
		msg.RetryCount++
		metrics.MessageRetriesTotal.Inc()
		return OutcomeRetry
	}

	if msg.Mode != d.fallback && msg.Target != "" {
		dest, found, err := d.contacts.Destination(ctx, msg.Target, d.fallback)
		if err != nil {
			d.logger.Error("reclassification lookup failed",
				"message_id", msg.ID, "target", msg.Target, "mode", d.fallback, "error", err)
		}
		if err == nil && found {
			d.recordReclassify(ctx, msg)
			msg.Mode = d.fallback
			msg.Destination = dest
			msg.RetryCount = 0
			if d.renderer != nil {
				if err := d.renderer.Render(ctx, msg); err != nil {
					d.logger.Error("re-render for fallback mode failed",
						"message_id", msg.ID, "mode", msg.Mode, "error", err)
				}
			}
			if msg.ID != 0 {
				if err := d.messages.SetMode(ctx, msg.ID, msg.Mode, dest); err != nil {
					d.logger.Error("failed to persist reclassified mode",
						"message_id", msg.ID, "error", err)
				}
				if err := d.messages.SetContent(ctx, msg.ID, msg.Subject, msg.Body); err != nil {
					d.logger.Error("failed to persist re-rendered content",
						"message_id", msg.ID, "error", err)
				}
			}
			return OutcomeRetry
		}
	}

	metrics.MessageFailuresTotal.WithLabelValues(string(msg.Mode)).Inc()
	if msg.ID != 0 {
		if err := d.messages.SetState(ctx, msg.ID, domain.MessageStateFailed); err != nil {
			d.logger.Error("failed to mark message failed", "message_id", msg.ID, "error", err)
		}
	}
	return OutcomeFailed
}

func (d *Dispatcher) recordReclassify(ctx context.Context, msg *domain.Message) {
	if msg.ID == 0 {
		return
	}
	err := d.audit.Record(ctx, &domain.MessageChange{
		MessageID:   msg.ID,
		ChangeType:  domain.ChangeTypeMode,
		Old:         string(msg.Mode),
		New:         string(d.fallback),
		Description: "delivery kept failing, reclassified to the fallback mode",
	})
	if err != nil {
		d.logger.Error("failed to record reclassification", "message_id", msg.ID, "error", err)
	}
}

// drop discards a message by policy.
func (d *Dispatcher) drop(ctx context.Context, msg *domain.Message, reason, note string) Outcome {
	metrics.MessagesDroppedTotal.WithLabelValues(reason).Inc()
	if msg.ID != 0 {
		if err := d.messages.SetState(ctx, msg.ID, domain.MessageStateDropped); err != nil {
			d.logger.Error("failed to mark message dropped", "message_id", msg.ID, "error", err)
		}
		if note != "" {
			err := d.audit.Record(ctx, &domain.MessageChange{
				MessageID:   msg.ID,
				ChangeType:  domain.ChangeTypeContent,
				Old:         string(domain.MessageStateCreated),
				New:         string(domain.MessageStateDropped),
				Description: note,
			})
			if err != nil {
				d.logger.Error("failed to record drop", "message_id", msg.ID, "error", err)
			}
		}
	}
	d.logger.Info("message dropped", "reason", reason, "message_id", msg.ID, "mode", msg.Mode)
	return OutcomeDropped
}

// nextPeer returns the next peer in round-robin order, or "" without peers.
func (d *Dispatcher) nextPeer() string {
	if len(d.peers) == 0 {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	peer := d.peers[d.peerNext%len(d.peers)]
	d.peerNext++
	return peer
}
