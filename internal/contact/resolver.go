// Package contact resolves who gets a message on which transport. The
// resolver walks the mode preference chain and looks up contact addresses;
// the reprioritizer re-routes noisy modes per user-defined rules.
package contact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"herald/internal/domain"
	"herald/internal/store"
)

// ErrNoContact is returned when a target has no usable contact address for
// any acceptable mode.
var ErrNoContact = errors.New("no contact information for target")

// defaultModes is the system-wide priority to mode mapping, the last link of
// the preference chain.
var defaultModes = map[domain.Priority]domain.Mode{
	domain.PriorityLow:    domain.ModeEmail,
	domain.PriorityMedium: domain.ModeSMS,
	domain.PriorityHigh:   domain.ModeCall,
	domain.PriorityUrgent: domain.ModeCall,
}

// Resolver fills in the mode and destination of a message.
type Resolver struct {
	contacts store.ContactRepository
	audit    store.AuditLog
	fallback domain.Mode
	logger   *slog.Logger
}

// NewResolver creates a contact resolver. fallback is the mode of last
// resort when the preferred mode is disabled or has no address.
func NewResolver(contacts store.ContactRepository, audit store.AuditLog, fallback domain.Mode, logger *slog.Logger) *Resolver {
	if fallback == "" {
		fallback = domain.ModeEmail
	}
	return &Resolver{contacts: contacts, audit: audit, fallback: fallback, logger: logger}
}

// Resolve sets msg.Mode and msg.Destination. An explicit mode on the message
// wins; otherwise the preference chain picks one: per-application user
// override, application default, user default, system default. A mode the
// application has disabled, or one the target has no address for, falls back
// to the fallback mode. ErrNoContact means not even the fallback could reach
// the target.
func (r *Resolver) Resolve(ctx context.Context, msg *domain.Message) error {
	mode := msg.Mode
	if mode == "" {
		var err error
		mode, err = r.preferredMode(ctx, msg)
		if err != nil {
			return err
		}
	}

	if mode == domain.ModeDrop {
		msg.Mode = mode
		msg.Destination = ""
		return nil
	}

	enabled, err := r.contacts.ModeEnabled(ctx, msg.Application, mode)
	if err != nil {
		return fmt.Errorf("check mode %s for %s: %w", mode, msg.Application, err)
	}
	if !enabled {
		r.logger.Debug("mode disabled for application, falling back",
			"application", msg.Application, "mode", mode, "fallback", r.fallback)
		mode = r.fallback
	}

	dest, found, err := r.contacts.Destination(ctx, msg.Target, mode)
	if err != nil {
		return fmt.Errorf("destination for %s via %s: %w", msg.Target, mode, err)
	}
	if !found && mode != r.fallback {
		// No address for the chosen mode; the fallback mode is the last
		// resort and the switch is recorded on the message.
		dest, found, err = r.contacts.Destination(ctx, msg.Target, r.fallback)
		if err != nil {
			return fmt.Errorf("fallback destination for %s: %w", msg.Target, err)
		}
		if found && msg.ID != 0 {
			r.recordModeChange(ctx, msg, mode, r.fallback,
				"no contact address for mode, fell back")
		}
		if found {
			mode = r.fallback
		}
	}
	if !found {
		return fmt.Errorf("target %s: %w", msg.Target, ErrNoContact)
	}

	msg.Mode = mode
	msg.Destination = dest
	return nil
}

// preferredMode walks the mode preference chain for a plan-driven message.
func (r *Resolver) preferredMode(ctx context.Context, msg *domain.Message) (domain.Mode, error) {
	mode, found, err := r.contacts.UserAppMode(ctx, msg.Target, msg.Application, msg.Priority)
	if err != nil {
		return "", fmt.Errorf("user application mode: %w", err)
	}
	if found {
		return mode, nil
	}

	mode, found, err = r.contacts.AppMode(ctx, msg.Application, msg.Priority)
	if err != nil {
		return "", fmt.Errorf("application mode: %w", err)
	}
	if found {
		return mode, nil
	}

	mode, found, err = r.contacts.UserMode(ctx, msg.Target, msg.Priority)
	if err != nil {
		return "", fmt.Errorf("user mode: %w", err)
	}
	if found {
		return mode, nil
	}

	mode, found = defaultModes[msg.Priority]
	if !found {
		mode = r.fallback
	}
	return mode, nil
}

func (r *Resolver) recordModeChange(ctx context.Context, msg *domain.Message, old, new domain.Mode, why string) {
	err := r.audit.Record(ctx, &domain.MessageChange{
		MessageID:   msg.ID,
		ChangeType:  domain.ChangeTypeMode,
		Old:         string(old),
		New:         string(new),
		Description: why,
	})
	if err != nil {
		r.logger.Error("failed to record mode change", "message_id", msg.ID, "error", err)
	}
}
