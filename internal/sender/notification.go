package sender

import (
	"fmt"

	"herald/internal/domain"
)

// Notification is the out-of-band intake payload. Clients send either a
// priority (mode selection runs through contact resolution) or an explicit
// mode, and either pre-rendered content or a template with context.
type Notification struct {
	// Role and Target select the recipients. Role "user" (or empty)
	// addresses Target directly; any other role is expanded through the
	// role lookup.
	Role   string `json:"role,omitempty"`
	Target string `json:"target"`

	Application string `json:"application"`

	Priority domain.Priority `json:"priority,omitempty"`
	Mode     domain.Mode     `json:"mode,omitempty"`

	Subject  string         `json:"subject,omitempty"`
	Body     string         `json:"body,omitempty"`
	Template string         `json:"template,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// Validate checks the fields a notification cannot be delivered without.
func (n *Notification) Validate() error {
	if n.Target == "" {
		return fmt.Errorf("notification has no target")
	}
	if n.Application == "" {
		return fmt.Errorf("notification has no application")
	}
	if n.Priority == "" && n.Mode == "" {
		return fmt.Errorf("notification has neither priority nor mode")
	}
	if n.Body == "" && n.Template == "" {
		return fmt.Errorf("notification has neither body nor template")
	}
	return nil
}

// message builds the delivery message for one resolved recipient.
func (n *Notification) message(username string) *domain.Message {
	return &domain.Message{
		Application:  n.Application,
		Target:       username,
		Priority:     n.Priority,
		Mode:         n.Mode,
		Subject:      n.Subject,
		Body:         n.Body,
		TemplateName: n.Template,
		Context:      n.Context,
		State:        domain.MessageStateCreated,
	}
}
