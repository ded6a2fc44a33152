// Package quota enforces per-application sending ceilings over sliding
// windows. Hard breaches block sends and page the application owners through
// a dedicated escalation plan; soft breaches only warn them.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"herald/internal/cache"
	"herald/internal/domain"
	"herald/internal/metrics"
	"herald/internal/rolelookup"
	"herald/internal/store"
)

// softNotifyInterval debounces repeated soft-breach warnings per application.
const softNotifyInterval = 30 * time.Minute

// Notifier enqueues out-of-band messages, e.g. soft-breach warnings.
type Notifier interface {
	Notify(ctx context.Context, msg *domain.Message) error
}

// window is a sliding count over per-rotation buckets, newest last.
type window struct {
	buckets []int
}

func newWindow() *window {
	return &window{buckets: []int{0}}
}

// rotate appends a fresh bucket and trims the window to size. Existing
// counts survive a resize; only buckets older than the new window fall off.
func (w *window) rotate(size int) {
	w.buckets = append(w.buckets, 0)
	if excess := len(w.buckets) - size; excess > 0 {
		w.buckets = w.buckets[excess:]
	}
}

func (w *window) hit() {
	w.buckets[len(w.buckets)-1]++
}

func (w *window) sum() int {
	total := 0
	for _, n := range w.buckets {
		total += n
	}
	return total
}

// appQuota is the live state for one application's quota.
type appQuota struct {
	cfg            domain.QuotaConfig
	hard           *window
	soft           *window
	lastSoftNotify time.Time
}

// Engine tracks send counts per application and applies quota policy.
type Engine struct {
	quotas    store.QuotaRepository
	incidents store.IncidentRepository
	plans     *cache.Plans
	roles     *rolelookup.Resolver
	notifier  Notifier
	app       string
	logger    *slog.Logger

	mu   sync.Mutex
	apps map[string]*appQuota

	now func() time.Time
}

// NewEngine creates a quota engine. app names the application breach
// notifications and incidents go out as; when empty, breaches are enforced
// but nobody is notified. Refresh must run before the first AllowSend to
// load the configurations.
func NewEngine(
	quotas store.QuotaRepository,
	incidents store.IncidentRepository,
	plans *cache.Plans,
	roles *rolelookup.Resolver,
	notifier Notifier,
	app string,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		quotas:    quotas,
		incidents: incidents,
		plans:     plans,
		roles:     roles,
		notifier:  notifier,
		app:       app,
		logger:    logger,
		apps:      make(map[string]*appQuota),
		now:       time.Now,
	}
}

// Refresh reloads quota configurations and rotates every window by one
// bucket. It is meant to run once per sender interval, so buckets are
// roughly one interval wide.
func (e *Engine) Refresh(ctx context.Context) error {
	configs, err := e.quotas.ListConfigs(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		seen[cfg.Application] = struct{}{}
		app, exists := e.apps[cfg.Application]
		if !exists {
			app = &appQuota{hard: newWindow(), soft: newWindow()}
			e.apps[cfg.Application] = app
		}
		app.cfg = *cfg
		app.hard.rotate(windowSize(cfg.HardDuration))
		app.soft.rotate(windowSize(cfg.SoftDuration))
	}

	// Applications whose quota was removed stop being tracked.
	for name := range e.apps {
		if _, ok := seen[name]; !ok {
			delete(e.apps, name)
		}
	}
	return nil
}

// windowSize converts a quota duration to a bucket count, minimum one.
func windowSize(d time.Duration) int {
	size := int(d / time.Minute)
	if size < 1 {
		size = 1
	}
	return size
}

// AllowSend decides whether a message may be sent under its application's
// quota and counts it if so. Messages in drop mode are exempt: they never
// reach a vendor, so they cost nothing.
func (e *Engine) AllowSend(ctx context.Context, msg *domain.Message) (bool, error) {
	if msg.Mode == domain.ModeDrop {
		return true, nil
	}

	e.mu.Lock()
	app, exists := e.apps[msg.Application]
	if !exists {
		e.mu.Unlock()
		return true, nil
	}

	cfg := app.cfg
	if app.hard.sum()+1 > cfg.HardLimit {
		e.mu.Unlock()
		metrics.QuotaHardExceededTotal.WithLabelValues(cfg.Application).Inc()
		e.logger.Warn("hard quota exceeded, dropping message",
			"application", cfg.Application, "limit", cfg.HardLimit, "message_id", msg.ID)
		if err := e.raiseBreachIncident(ctx, cfg); err != nil {
			e.logger.Error("failed to raise quota breach incident",
				"application", cfg.Application, "error", err)
		}
		return false, nil
	}

	app.hard.hit()
	app.soft.hit()
	hardPct := float64(app.hard.sum()) / float64(cfg.HardLimit) * 100
	softSum := app.soft.sum()
	softBreach := softSum > cfg.SoftLimit
	warnDue := softBreach && e.now().Sub(app.lastSoftNotify) >= softNotifyInterval
	if warnDue {
		app.lastSoftNotify = e.now()
	}
	e.mu.Unlock()

	if cfg.HardLimit > 0 {
		metrics.QuotaUsagePercent.WithLabelValues(cfg.Application, "hard").Set(hardPct)
	}
	if cfg.SoftLimit > 0 {
		metrics.QuotaUsagePercent.WithLabelValues(cfg.Application, "soft").
			Set(float64(softSum) / float64(cfg.SoftLimit) * 100)
	}

	if softBreach {
		metrics.QuotaSoftExceededTotal.WithLabelValues(cfg.Application).Inc()
	}
	if warnDue {
		e.warnOwners(ctx, cfg, softSum)
	}
	return true, nil
}

// raiseBreachIncident opens an incident against the quota's escalation plan,
// debounced so one sustained breach pages only once: an incident is skipped
// while the previous one is still active, or while it was claimed less than
// WaitTime ago.
func (e *Engine) raiseBreachIncident(ctx context.Context, cfg domain.QuotaConfig) error {
	if e.app == "" {
		e.logger.Warn("hard quota breached but no notifying application is configured",
			"application", cfg.Application)
		return nil
	}
	if cfg.PlanName == "" {
		return nil
	}
	plan, err := e.plans.FindActiveByName(ctx, cfg.PlanName)
	if err != nil {
		return err
	}

	latest, err := e.incidents.LatestForPlan(ctx, plan.ID)
	switch {
	case errors.Is(err, domain.ErrIncidentNotFound):
		// No previous breach incident; raise one.
	case err != nil:
		return err
	case latest.Active:
		return nil
	case latest.Claimed() && e.now().Before(latest.UpdatedAt.Add(cfg.WaitTime)):
		return nil
	}

	_, err = e.incidents.Create(ctx, &domain.Incident{
		PlanID:      plan.ID,
		Application: e.app,
		Active:      true,
		Context: map[string]any{
			"application": cfg.Application,
			"hard_limit":  cfg.HardLimit,
			"duration":    cfg.HardDuration.String(),
		},
	})
	if err != nil {
		return err
	}
	e.logger.Info("raised quota breach incident",
		"application", cfg.Application, "plan", cfg.PlanName)
	return nil
}

// warnOwners emails the quota owners about a soft breach.
func (e *Engine) warnOwners(ctx context.Context, cfg domain.QuotaConfig, used int) {
	if e.app == "" {
		e.logger.Warn("soft quota breached but no notifying application is configured",
			"application", cfg.Application)
		return
	}
	usernames, err := e.roles.Targets(ctx, cfg.TargetRole, cfg.TargetName)
	if err != nil {
		e.logger.Error("failed to resolve quota owners",
			"application", cfg.Application, "role", cfg.TargetRole, "target", cfg.TargetName, "error", err)
		return
	}

	for _, username := range usernames {
		msg := &domain.Message{
			Application: e.app,
			Target:      username,
			Mode:        domain.ModeEmail,
			NoReply:     true,
			Subject: "Application " + cfg.Application + " is approaching its sending quota",
			Body: fmt.Sprintf(
				"Application %s has sent %d messages in its soft quota window (limit %d). "+
					"Sends will be blocked once the hard quota of %d is reached.",
				cfg.Application, used, cfg.SoftLimit, cfg.HardLimit),
		}
		if err := e.notifier.Notify(ctx, msg); err != nil {
			e.logger.Error("failed to send soft quota warning",
				"application", cfg.Application, "target", username, "error", err)
		}
	}
}
