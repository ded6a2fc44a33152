package contact

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"herald/internal/domain"
	"herald/internal/store"
)

type ruleKey struct {
	target string
	mode   domain.Mode
}

// Reprioritizer re-routes messages between modes based on per-target rules:
// once a target has received more than Count messages on SrcMode within
// Duration, further SrcMode messages go out on DstMode instead. Rules can
// chain; a chain that would revisit a mode stops at the last mode before the
// repeat.
type Reprioritizer struct {
	rules  store.ReprioritizationRepository
	audit  store.AuditLog
	logger *slog.Logger

	mu     sync.Mutex
	byKey  map[ruleKey]*domain.ReprioritizationRule
	sends  map[ruleKey][]time.Time
	maxAge time.Duration

	now func() time.Time
}

// NewReprioritizer creates a reprioritizer. Refresh loads the rules.
func NewReprioritizer(rules store.ReprioritizationRepository, audit store.AuditLog, logger *slog.Logger) *Reprioritizer {
	return &Reprioritizer{
		rules:  rules,
		audit:  audit,
		logger: logger,
		byKey:  make(map[ruleKey]*domain.ReprioritizationRule),
		sends:  make(map[ruleKey][]time.Time),
		now:    time.Now,
	}
}

// Refresh reloads the rule set and prunes send history that no rule can see
// anymore. Rules without a resolved destination are invalid and skipped.
func (r *Reprioritizer) Refresh(ctx context.Context) error {
	rules, err := r.rules.ListRules(ctx)
	if err != nil {
		return err
	}

	byKey := make(map[ruleKey]*domain.ReprioritizationRule, len(rules))
	var maxAge time.Duration
	for _, rule := range rules {
		if rule.Destination == "" {
			r.logger.Warn("skipping reprioritization rule without destination",
				"target", rule.Target, "src", rule.SrcMode, "dst", rule.DstMode)
			continue
		}
		byKey[ruleKey{rule.Target, rule.SrcMode}] = rule
		if rule.Duration > maxAge {
			maxAge = rule.Duration
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byKey = byKey
	r.maxAge = maxAge
	cutoff := r.now().Add(-maxAge)
	for key, stamps := range r.sends {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(r.sends, key)
			continue
		}
		r.sends[key] = kept
	}
	return nil
}

// Track records a completed send for sliding-window counting.
func (r *Reprioritizer) Track(target string, mode domain.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ruleKey{target, mode}
	r.sends[key] = append(r.sends[key], r.now())
}

// Apply re-routes the message per the rule chain and reports whether the
// mode changed. The visited check runs before each switch, so a cyclic rule
// set leaves the message on the last mode before the cycle would close.
func (r *Reprioritizer) Apply(ctx context.Context, msg *domain.Message) bool {
	r.mu.Lock()
	mode := msg.Mode
	visited := map[domain.Mode]bool{mode: true}
	var dest string

	for range domain.Modes {
		rule, exists := r.byKey[ruleKey{msg.Target, mode}]
		if !exists {
			break
		}
		if r.countLocked(msg.Target, mode, rule.Duration) <= rule.Count {
			break
		}
		if visited[rule.DstMode] {
			r.logger.Warn("reprioritization rule cycle detected",
				"target", msg.Target, "mode", mode, "dst", rule.DstMode)
			break
		}
		visited[rule.DstMode] = true
		mode = rule.DstMode
		dest = rule.Destination
	}
	r.mu.Unlock()

	if mode == msg.Mode {
		return false
	}

	if msg.ID != 0 {
		err := r.audit.Record(ctx, &domain.MessageChange{
			MessageID:   msg.ID,
			ChangeType:  domain.ChangeTypeMode,
			Old:         string(msg.Mode),
			New:         string(mode),
			Description: "reprioritization rule matched",
		})
		if err != nil {
			r.logger.Error("failed to record reprioritization", "message_id", msg.ID, "error", err)
		}
	}

	msg.Mode = mode
	msg.Destination = dest
	return true
}

// countLocked counts tracked sends within the window. Caller holds the lock.
func (r *Reprioritizer) countLocked(target string, mode domain.Mode, window time.Duration) int {
	cutoff := r.now().Add(-window)
	count := 0
	for _, ts := range r.sends[ruleKey{target, mode}] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}
