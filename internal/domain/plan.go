package domain

import (
	"errors"
	"time"
)

// ErrPlanNotFound is returned when a plan cannot be found.
var ErrPlanNotFound = errors.New("plan not found")

// MaxPlanDuration is the ceiling on total plan duration (sum of the longest
// wait*repeat per step). Enforced at plan creation time by the API layer;
// the engine assumes it holds.
const MaxPlanDuration = 24 * time.Hour

// Priority is the urgency of a notification, selecting default modes.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification is one (role, target, priority, template) unit within a plan
// step, possibly repeated.
type Notification struct {
	// ID is the unique identifier for this plan notification.
	ID int64 `json:"id"`

	// PlanID references the owning plan.
	PlanID int64 `json:"plan_id"`

	// Step is the 1-based plan step this notification belongs to.
	Step int `json:"step"`

	// Role and Target select who gets notified. Both empty means the pair
	// is resolved through the incident's dynamic targets instead.
	Role   string `json:"role"`
	Target string `json:"target"`

	// DynamicIndex selects the incident dynamic target when Role is empty.
	DynamicIndex int `json:"dynamic_index"`

	// Priority of the messages created for this notification.
	Priority Priority `json:"priority"`

	// TemplateName references the message template to render with.
	TemplateName string `json:"template"`

	// Repeat is the number of additional sends after the first.
	// Total sends per target = Repeat + 1.
	Repeat int `json:"repeat"`

	// Wait is how long to wait after a send before the next repeat, or
	// before the incident may advance past this step.
	Wait time.Duration `json:"wait"`

	// Optional notifications swallow resolution failures silently instead
	// of redirecting to the plan creator.
	Optional bool `json:"optional"`
}

// Dynamic returns true if the target is resolved via the incident's
// dynamic target list.
func (n *Notification) Dynamic() bool {
	return n.Role == "" && n.Target == ""
}

// MaxSends is the total number of messages this notification produces per
// target before its repeat budget is exhausted.
func (n *Notification) MaxSends() int {
	return n.Repeat + 1
}

// Plan is a named, ordered sequence of escalation steps with burst-detection
// and aggregation parameters. Plans are read-only to the engine.
type Plan struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Creator string `json:"creator"`

	// ThresholdWindow/ThresholdCount parameterize burst detection: more
	// than ThresholdCount messages for one aggregation key within
	// ThresholdWindow switches the key into aggregation mode.
	ThresholdWindow time.Duration `json:"threshold_window"`
	ThresholdCount  int           `json:"threshold_count"`

	// AggregationWindow is how often a batch is released while a key is in
	// aggregation mode. AggregationReset is the quiet period after which
	// the key reverts to burst detection.
	AggregationWindow time.Duration `json:"aggregation_window"`
	AggregationReset  time.Duration `json:"aggregation_reset"`

	// TrackingType/TrackingKey configure an out-of-band tracking message
	// sent when an incident against this plan starts escalating.
	TrackingType Mode   `json:"tracking_type,omitempty"`
	TrackingKey  string `json:"tracking_key,omitempty"`

	// TrackingTemplates maps application name to its tracking template.
	TrackingTemplates map[string]TemplateContent `json:"tracking_templates,omitempty"`

	// Steps holds the plan notifications; Steps[0] is step 1.
	Steps [][]*Notification `json:"steps"`
}

// StepCount returns the number of steps in the plan.
func (p *Plan) StepCount() int {
	return len(p.Steps)
}

// Step returns the notifications of the 1-based step n, nil when out of range.
func (p *Plan) Step(n int) []*Notification {
	if n < 1 || n > len(p.Steps) {
		return nil
	}
	return p.Steps[n-1]
}
