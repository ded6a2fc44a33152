package domain

import (
	"errors"
	"time"
)

// ErrIncidentNotFound is returned when an incident cannot be found.
var ErrIncidentNotFound = errors.New("incident not found")

// RoleTarget is a (role, target) pair to be expanded into concrete usernames,
// e.g. ("oncall-primary", "infra") or ("user", "jdoe").
type RoleTarget struct {
	Role   string `json:"role"`
	Target string `json:"target"`
}

// Incident is one instance of an alert condition under active escalation
// tracking. Incidents are created externally; this engine only advances their
// step, deactivates them, and reads them for message creation.
type Incident struct {
	// ID is the unique identifier for this incident.
	ID int64 `json:"id"`

	// PlanID references the escalation plan the incident runs against.
	PlanID int64 `json:"plan_id"`

	// Application is the name of the application that raised the incident.
	Application string `json:"application"`

	// Context is the opaque key/value payload supplied at creation time,
	// made available to message templates.
	Context map[string]any `json:"context"`

	// CurrentStep is the plan step currently being escalated.
	// 0 means the incident is new and step 1 has not started yet.
	CurrentStep int `json:"current_step"`

	// Active is false once the incident reached a terminal state.
	// No further messages are created for an inactive incident.
	Active bool `json:"active"`

	// Owner is the username that claimed the incident, empty if unclaimed.
	Owner string `json:"owner,omitempty"`

	// DynamicTargets holds the role/target pairs resolved at incident
	// creation time for plan notifications using a dynamic index.
	DynamicTargets []RoleTarget `json:"dynamic_targets,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Claimed returns true if the incident has been claimed.
// Claiming deactivates the incident and records the owner.
func (i *Incident) Claimed() bool {
	return !i.Active && i.Owner != ""
}

// DynamicTarget returns the role/target pair for a dynamic index.
func (i *Incident) DynamicTarget(index int) (RoleTarget, bool) {
	if index < 0 || index >= len(i.DynamicTargets) {
		return RoleTarget{}, false
	}
	return i.DynamicTargets[index], true
}
