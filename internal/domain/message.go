package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrMessageNotFound is returned when a message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// Mode is a delivery transport.
type Mode string

const (
	ModeEmail Mode = "email"
	ModeSMS   Mode = "sms"
	ModeCall  Mode = "call"
	ModeSlack Mode = "slack"
	// ModeDrop deliberately discards a message without reaching a vendor.
	ModeDrop Mode = "drop"
)

// Modes lists every delivery mode the engine knows about.
var Modes = []Mode{ModeEmail, ModeSMS, ModeCall, ModeSlack, ModeDrop}

// MessageState tracks a message through the delivery pipeline.
type MessageState string

const (
	// MessageStateCreated is the initial state of a pending message.
	MessageStateCreated MessageState = "created"
	// MessageStateContactResolved means destination and mode are filled in.
	MessageStateContactResolved MessageState = "contact_resolved"
	// MessageStateRendered means subject/body have been produced.
	MessageStateRendered MessageState = "rendered"
	// MessageStateDispatched means the message was handed to a vendor.
	MessageStateDispatched MessageState = "dispatched"
	// MessageStateFailed means delivery failed terminally.
	MessageStateFailed MessageState = "failed"
	// MessageStateDropped means the message was discarded by policy
	// (drop mode, hard quota breach, oversized body).
	MessageStateDropped MessageState = "dropped"
)

// MaxBodyLength is the ceiling on rendered message bodies. Longer bodies are
// truncated and the message is dropped instead of sent.
const MaxBodyLength = 40000

// MaxSendRetries is how many times a failed send is re-queued before the
// failure is terminal.
const MaxSendRetries = 2

// Message is one concrete delivery attempt, either plan-driven (tied to an
// incident and plan notification) or out-of-band (application notification).
type Message struct {
	// ID is the store identifier. 0 for out-of-band messages that have no
	// message record.
	ID int64 `json:"id"`

	// IncidentID / PlanID / NotificationID tie a plan-driven message to its
	// incident and plan notification. All zero for out-of-band messages.
	IncidentID     int64 `json:"incident_id,omitempty"`
	PlanID         int64 `json:"plan_id,omitempty"`
	NotificationID int64 `json:"notification_id,omitempty"`

	// PlanName is carried for rendering and batch summaries.
	PlanName string `json:"plan_name,omitempty"`

	// Application that the message is sent on behalf of.
	Application string `json:"application"`

	// Target is the username (or role recipient) being notified.
	Target string `json:"target"`

	// Priority drives mode selection for plan-driven messages.
	Priority Priority `json:"priority,omitempty"`

	// Mode and Destination are the resolved transport and contact address.
	// Empty until contact resolution succeeds, unless the message arrived
	// out-of-band with an explicit mode.
	Mode        Mode   `json:"mode,omitempty"`
	Destination string `json:"destination,omitempty"`

	// TemplateName references the template to render with. Empty when the
	// subject/body are already populated (out-of-band and responses).
	TemplateName string `json:"template,omitempty"`

	// Context is the incident context made available to templates.
	Context map[string]any `json:"context,omitempty"`

	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`

	// State is the pipeline state of this message.
	State MessageState `json:"state"`

	// BatchID and AggregatedIDs are set only on a synthetic batch message
	// released by the aggregation engine.
	BatchID       string  `json:"batch_id,omitempty"`
	AggregatedIDs []int64 `json:"aggregated_ids,omitempty"`

	// NoReply marks tracking messages that should not accept claims.
	NoReply bool `json:"noreply,omitempty"`

	// RetryCount is incremented each time a failed send is re-queued.
	RetryCount int `json:"retry_count,omitempty"`

	// ToPeer marks a message received from a master sender for local
	// delivery; it must not be proxied again.
	ToPeer bool `json:"to_peer,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// Batch returns true for a synthetic batch message carrying aggregated IDs.
func (m *Message) Batch() bool {
	return len(m.AggregatedIDs) > 0
}

// OutOfBand returns true for messages not driven by a plan, which bypass
// aggregation entirely.
func (m *Message) OutOfBand() bool {
	return m.PlanID == 0
}

// Retry returns true if this message has been through a failed send before.
func (m *Message) Retry() bool {
	return m.RetryCount > 0
}

// AggregationKey is the grouping key for burst batching.
type AggregationKey struct {
	PlanID      int64
	Application string
	Priority    Priority
	Target      string
}

func (k AggregationKey) String() string {
	return fmt.Sprintf("(%d, %s, %s, %s)", k.PlanID, k.Application, k.Priority, k.Target)
}

// AggregationKey computes the grouping key for this message. ok is false for
// out-of-band messages, which are never aggregated.
func (m *Message) AggregationKey() (AggregationKey, bool) {
	if m.OutOfBand() {
		return AggregationKey{}, false
	}
	return AggregationKey{
		PlanID:      m.PlanID,
		Application: m.Application,
		Priority:    m.Priority,
		Target:      m.Target,
	}, true
}
