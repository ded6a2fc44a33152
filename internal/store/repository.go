// Package store defines interfaces for incident, message, and configuration
// persistence. These abstractions allow swapping implementations (PostgreSQL,
// in-memory) without changing engine logic.
package store

import (
	"context"
	"time"

	"herald/internal/domain"
)

// EscalationStatus is one (incident, plan notification) aggregate row used by
// the escalation passes: how many messages exist for the pair and when the
// latest one was created. Wait, repeat, and step geometry come from the plan
// cache, not the store.
type EscalationStatus struct {
	// IncidentID / PlanID / CurrentStep describe the incident side.
	IncidentID  int64
	PlanID      int64
	CurrentStep int

	// NotificationID is the plan notification the messages belong to.
	NotificationID int64

	// SentCount is the number of messages already created for the pair.
	SentCount int

	// LastCreatedAt is the creation time of the newest such message.
	LastCreatedAt time.Time
}

// IncidentRepository defines the interface for incident persistence.
// The engine never creates incidents except for quota breach incidents;
// everything else arrives from the API layer.
type IncidentRepository interface {
	// Create stores a new incident and returns its ID.
	Create(ctx context.Context, inc *domain.Incident) (int64, error)

	// Get retrieves an incident by ID.
	Get(ctx context.Context, id int64) (*domain.Incident, error)

	// Active retrieves all active incidents.
	Active(ctx context.Context) ([]*domain.Incident, error)

	// NewlyActive retrieves active incidents still at step 0, i.e. picked
	// up by no escalation pass yet.
	NewlyActive(ctx context.Context) ([]*domain.Incident, error)

	// PendingEscalations returns the escalation status rows for every
	// active incident past step 0.
	PendingEscalations(ctx context.Context) ([]EscalationStatus, error)

	// SetStep moves an incident to the given plan step.
	SetStep(ctx context.Context, id int64, step int) error

	// Deactivate marks an incident inactive without assigning an owner.
	Deactivate(ctx context.Context, id int64) error

	// LatestForPlan retrieves the most recently created incident against
	// the given plan, or ErrIncidentNotFound when none exists.
	LatestForPlan(ctx context.Context, planID int64) (*domain.Incident, error)
}

// MessageRepository defines the interface for message persistence.
type MessageRepository interface {
	// Create stores a new message and returns its ID.
	Create(ctx context.Context, msg *domain.Message) (int64, error)

	// Get retrieves a message by ID.
	Get(ctx context.Context, id int64) (*domain.Message, error)

	// Pending retrieves unsent, undropped messages awaiting delivery,
	// excluding the given in-flight IDs.
	Pending(ctx context.Context, exclude map[int64]struct{}) ([]*domain.Message, error)

	// MarkSent stamps the messages as dispatched at sentAt.
	MarkSent(ctx context.Context, sentAt time.Time, ids ...int64) error

	// AssignBatch records the batch the messages were released under.
	AssignBatch(ctx context.Context, batchID string, ids ...int64) error

	// SetState moves a message to the given pipeline state.
	SetState(ctx context.Context, id int64, state domain.MessageState) error

	// SetMode updates the resolved mode and destination of a message.
	SetMode(ctx context.Context, id int64, mode domain.Mode, destination string) error

	// SetContent stores the rendered subject and body.
	SetContent(ctx context.Context, id int64, subject, body string) error
}

// PlanSource defines the read-only interface plans are loaded from.
// The engine only ever reads plans; mutation belongs to the API layer.
// Listing and fetching are split so the cache can fan out fetches.
type PlanSource interface {
	// ListActiveIDs retrieves the IDs of every active plan.
	ListActiveIDs(ctx context.Context) ([]int64, error)

	// Get retrieves a plan by ID, including retired plans still
	// referenced by open incidents.
	Get(ctx context.Context, id int64) (*domain.Plan, error)

	// FindActiveByName retrieves the active plan with the given name.
	FindActiveByName(ctx context.Context, name string) (*domain.Plan, error)
}

// TemplateSource defines the read-only interface templates are loaded from.
type TemplateSource interface {
	// ListActiveNames retrieves the names of every active template.
	ListActiveNames(ctx context.Context) ([]string, error)

	// Get retrieves a template by name.
	Get(ctx context.Context, name string) (*domain.Template, error)
}

// ContactRepository defines the interface for contact and mode preference
// lookups. The precedence chain (explicit mode, per-application user
// override, application default, user default, system default) is applied by
// the contact resolver; each method answers one link of the chain.
type ContactRepository interface {
	// Destination retrieves the contact address of a user for a mode.
	// ok is false when the user has no address for that mode.
	Destination(ctx context.Context, username string, mode domain.Mode) (string, bool, error)

	// UserAppMode retrieves the user's mode override for an application
	// and priority.
	UserAppMode(ctx context.Context, username, application string, priority domain.Priority) (domain.Mode, bool, error)

	// AppMode retrieves the application's default mode for a priority.
	AppMode(ctx context.Context, application string, priority domain.Priority) (domain.Mode, bool, error)

	// UserMode retrieves the user's global default mode for a priority.
	UserMode(ctx context.Context, username string, priority domain.Priority) (domain.Mode, bool, error)

	// ModeEnabled reports whether the application permits the mode.
	// Applications with no explicit allowlist permit every mode.
	ModeEnabled(ctx context.Context, application string, mode domain.Mode) (bool, error)
}

// QuotaRepository defines the interface for quota configuration.
type QuotaRepository interface {
	// ListConfigs retrieves every application quota configuration.
	ListConfigs(ctx context.Context) ([]*domain.QuotaConfig, error)
}

// ReprioritizationRepository defines the interface for per-target mode
// reprioritization rules.
type ReprioritizationRepository interface {
	// ListRules retrieves every reprioritization rule.
	ListRules(ctx context.Context) ([]*domain.ReprioritizationRule, error)
}

// AuditLog records message change history.
type AuditLog interface {
	// Record appends a change entry for a message.
	Record(ctx context.Context, change *domain.MessageChange) error

	// ListByMessage retrieves the change history of a message.
	ListByMessage(ctx context.Context, messageID int64) ([]*domain.MessageChange, error)
}
