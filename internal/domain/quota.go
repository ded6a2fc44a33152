package domain

import "time"

// QuotaConfig is the per-application sending quota configuration.
// Hard breaches block sends; soft breaches only warn the owning target.
type QuotaConfig struct {
	Application string `json:"application"`

	// HardLimit / SoftLimit are message ceilings over their durations.
	HardLimit int `json:"hard_limit"`
	SoftLimit int `json:"soft_limit"`

	// HardDuration / SoftDuration are the sliding window lengths. Buckets
	// are per minute, so both must be multiples of a minute.
	HardDuration time.Duration `json:"hard_duration"`
	SoftDuration time.Duration `json:"soft_duration"`

	// WaitTime is how long after a breach incident is claimed before a new
	// breach may raise another incident.
	WaitTime time.Duration `json:"wait_time"`

	// PlanName is the escalation plan used for hard-breach incidents.
	PlanName string `json:"plan_name"`

	// TargetRole / TargetName identify who is warned on soft breaches.
	TargetRole string `json:"target_role"`
	TargetName string `json:"target_name"`
}

// ReprioritizationRule re-routes messages from one mode to another once the
// source mode has been used more than Count times within Duration.
type ReprioritizationRule struct {
	Target string `json:"target"`

	SrcMode Mode `json:"src_mode"`
	DstMode Mode `json:"dst_mode"`

	// Destination is the contact address for DstMode, resolved when the
	// rule set is loaded. Rules without one are invalid and skipped.
	Destination string `json:"destination"`

	// Count is the trigger threshold within the sliding Duration.
	Count    int           `json:"count"`
	Duration time.Duration `json:"duration"`
}
