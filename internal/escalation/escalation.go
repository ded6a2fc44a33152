// Package escalation walks incidents through their plans. Each pass picks up
// new incidents, creates the next round of messages for incidents whose wait
// has elapsed, advances steps once a step is exhausted, and deactivates
// incidents that ran out of plan.
package escalation

import (
	"context"
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

// maxStartFailures bounds how many consecutive passes may fail to create any
// step-one message for an incident before it is given up on.
const maxStartFailures = 5

// Notifier enqueues out-of-band messages, e.g. tracking notifications.
type Notifier interface {
	Notify(ctx context.Context, msg *domain.Message) error
}

// Engine runs the escalation passes.
type Engine struct {
	incidents store.IncidentRepository
	messages  store.MessageRepository
	plans     *cache.Plans
	roles     *rolelookup.Resolver
	renderer  *cache.Renderer
	notifier  Notifier
	audit     store.AuditLog
	logger    *slog.Logger

	mu            sync.Mutex
	startFailures map[int64]int

	now func() time.Time
}

// NewEngine creates an escalation engine.
func NewEngine(
	incidents store.IncidentRepository,
	messages store.MessageRepository,
	plans *cache.Plans,
	roles *rolelookup.Resolver,
	renderer *cache.Renderer,
	notifier Notifier,
	audit store.AuditLog,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		incidents:     incidents,
		messages:      messages,
		plans:         plans,
		roles:         roles,
		renderer:      renderer,
		notifier:      notifier,
		audit:         audit,
		logger:        logger,
		startFailures: make(map[int64]int),
		now:           time.Now,
	}
}

// Escalate runs one escalation pass: new incidents start their first step,
// and pending incidents get repeats or step advances as their waits elapse.
func (e *Engine) Escalate(ctx context.Context) error {
	if err := e.startNewIncidents(ctx); err != nil {
		return err
	}
	return e.escalatePending(ctx)
}

// startNewIncidents moves step-0 incidents onto step one and sends their
// tracking notifications.
func (e *Engine) startNewIncidents(ctx context.Context) error {
	fresh, err := e.incidents.NewlyActive(ctx)
	if err != nil {
		return err
	}
	metrics.NewIncidents.Set(float64(len(fresh)))

	for _, inc := range fresh {
		plan, err := e.plans.Get(ctx, inc.PlanID)
		if err != nil {
			e.logger.Error("incident references unknown plan",
				"incident_id", inc.ID, "plan_id", inc.PlanID, "error", err)
			continue
		}

		step := e.firstNonEmptyStep(plan, 1)
		if step == 0 {
			e.logger.Warn("plan has no notifications, deactivating incident",
				"incident_id", inc.ID, "plan", plan.Name)
			if err := e.deactivate(ctx, inc.ID); err != nil {
				return err
			}
			continue
		}

		created := 0
		for _, n := range plan.Step(step) {
			c, err := e.createForNotification(ctx, inc, plan, n)
			if err != nil {
				return err
			}
			created += c
		}

		if created == 0 {
			// Nobody could be resolved, not even the plan creator.
			// Leave the incident at step 0 so the next pass retries,
			// up to the failure bound.
			e.mu.Lock()
			e.startFailures[inc.ID]++
			failures := e.startFailures[inc.ID]
			e.mu.Unlock()

			if failures < maxStartFailures {
				e.logger.Warn("no step-one messages created, will retry",
					"incident_id", inc.ID, "plan", plan.Name, "attempt", failures)
				continue
			}
			e.logger.Error("giving up on incident after repeated resolution failures",
				"incident_id", inc.ID, "plan", plan.Name)
			e.recordIncidentNote(ctx, inc.ID,
				fmt.Sprintf("incident %d deactivated: step one produced no messages in %d passes", inc.ID, failures))
			if err := e.deactivate(ctx, inc.ID); err != nil {
				return err
			}
			continue
		}

		e.mu.Lock()
		delete(e.startFailures, inc.ID)
		e.mu.Unlock()

		if err := e.incidents.SetStep(ctx, inc.ID, step); err != nil {
			return err
		}
		e.sendTracking(ctx, inc, plan)
	}
	return nil
}

// escalatePending repeats and advances incidents already past step 0.
func (e *Engine) escalatePending(ctx context.Context) error {
	rows, err := e.incidents.PendingEscalations(ctx)
	if err != nil {
		return err
	}

	byIncident := make(map[int64][]store.EscalationStatus)
	for _, row := range rows {
		byIncident[row.IncidentID] = append(byIncident[row.IncidentID], row)
	}

	now := e.now()
	for incidentID, incidentRows := range byIncident {
		inc, err := e.incidents.Get(ctx, incidentID)
		if err != nil {
			return err
		}
		plan, err := e.plans.Get(ctx, inc.PlanID)
		if err != nil {
			e.logger.Error("incident references unknown plan",
				"incident_id", inc.ID, "plan_id", inc.PlanID, "error", err)
			continue
		}

		byNotification := make(map[int64]store.EscalationStatus, len(incidentRows))
		for _, row := range incidentRows {
			byNotification[row.NotificationID] = row
		}

		stepDone := true
		for _, n := range plan.Step(inc.CurrentStep) {
			row, exists := byNotification[n.ID]
			if !exists {
				// Resolution failed when the step started; retry.
				stepDone = false
				if _, err := e.createForNotification(ctx, inc, plan, n); err != nil {
					return err
				}
				continue
			}
			if row.SentCount < n.MaxSends() {
				stepDone = false
				if now.Sub(row.LastCreatedAt) >= n.Wait {
					if _, err := e.createForNotification(ctx, inc, plan, n); err != nil {
						return err
					}
				}
				continue
			}
			// Repeats exhausted; the step is only over once the last
			// wait has elapsed too.
			if now.Sub(row.LastCreatedAt) < n.Wait {
				stepDone = false
			}
		}

		if !stepDone {
			continue
		}

		next := e.firstNonEmptyStep(plan, inc.CurrentStep+1)
		if next == 0 {
			// Plan exhausted; the deactivation pass takes it from here.
			continue
		}
		if err := e.incidents.SetStep(ctx, inc.ID, next); err != nil {
			return err
		}
		inc.CurrentStep = next
		e.logger.Info("incident escalated",
			"incident_id", inc.ID, "plan", plan.Name, "step", next)
		for _, n := range plan.Step(next) {
			if _, err := e.createForNotification(ctx, inc, plan, n); err != nil {
				return err
			}
		}
	}
	return nil
}

// Deactivate runs the deactivation pass: incidents whose final step is fully
// exhausted go inactive.
func (e *Engine) Deactivate(ctx context.Context) error {
	rows, err := e.incidents.PendingEscalations(ctx)
	if err != nil {
		return err
	}
	byIncident := make(map[int64][]store.EscalationStatus)
	for _, row := range rows {
		byIncident[row.IncidentID] = append(byIncident[row.IncidentID], row)
	}

	now := e.now()
	for incidentID, incidentRows := range byIncident {
		inc, err := e.incidents.Get(ctx, incidentID)
		if err != nil {
			return err
		}
		if !inc.Active {
			continue
		}
		plan, err := e.plans.Get(ctx, inc.PlanID)
		if err != nil {
			continue
		}

		// Only incidents with no further steps are candidates.
		if e.firstNonEmptyStep(plan, inc.CurrentStep+1) != 0 {
			continue
		}

		byNotification := make(map[int64]store.EscalationStatus, len(incidentRows))
		for _, row := range incidentRows {
			byNotification[row.NotificationID] = row
		}

		exhausted := true
		for _, n := range plan.Step(inc.CurrentStep) {
			row, exists := byNotification[n.ID]
			if !exists || row.SentCount < n.MaxSends() || now.Sub(row.LastCreatedAt) < n.Wait {
				exhausted = false
				break
			}
		}
		if !exhausted {
			continue
		}

		e.logger.Info("incident exhausted its plan, deactivating",
			"incident_id", inc.ID, "plan", plan.Name, "step", inc.CurrentStep)
		if err := e.deactivate(ctx, inc.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deactivate(ctx context.Context, incidentID int64) error {
	if err := e.incidents.Deactivate(ctx, incidentID); err != nil {
		return err
	}
	metrics.IncidentsDeactivatedTotal.Inc()
	return nil
}

// firstNonEmptyStep returns the first step at or after from that has
// notifications, or 0 when the plan is exhausted.
func (e *Engine) firstNonEmptyStep(plan *domain.Plan, from int) int {
	for step := from; step <= plan.StepCount(); step++ {
		if len(plan.Step(step)) > 0 {
			return step
		}
	}
	return 0
}

// createForNotification resolves the notification's targets and creates one
// message per username. A non-optional notification whose resolution fails
// is redirected to the plan creator at low priority so somebody still gets
// paged. Returns how many messages were created.
func (e *Engine) createForNotification(ctx context.Context, inc *domain.Incident, plan *domain.Plan, n *domain.Notification) (int, error) {
	role, target := n.Role, n.Target
	if n.Dynamic() {
		rt, ok := inc.DynamicTarget(n.DynamicIndex)
		if !ok {
			e.logger.Error("incident has no dynamic target for notification",
				"incident_id", inc.ID, "notification_id", n.ID, "index", n.DynamicIndex)
			return e.createForCreator(ctx, inc, plan, n, "dynamic target index out of range")
		}
		role, target = rt.Role, rt.Target
	}

	usernames, err := e.roles.Targets(ctx, role, target)
	if err != nil {
		e.logger.Error("role lookup failed",
			"incident_id", inc.ID, "role", role, "target", target, "error", err)
		usernames = nil
	}
	if len(usernames) == 0 {
		if n.Optional {
			e.logger.Warn("optional notification resolved to nobody, skipping",
				"incident_id", inc.ID, "notification_id", n.ID, "role", role, "target", target)
			return 0, nil
		}
		return e.createForCreator(ctx, inc, plan, n,
			fmt.Sprintf("role %s of %s resolved to no active users", role, target))
	}

	created := 0
	for _, username := range usernames {
		if err := e.createMessage(ctx, inc, plan, n, username, n.Priority, ""); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// createForCreator redirects a failed notification to the plan creator at
// low priority, leaving a target-change audit entry on the new message.
func (e *Engine) createForCreator(ctx context.Context, inc *domain.Incident, plan *domain.Plan, n *domain.Notification, why string) (int, error) {
	usernames, err := e.roles.Targets(ctx, rolelookup.RoleUser, plan.Creator)
	if err != nil || len(usernames) == 0 {
		e.logger.Error("plan creator fallback failed",
			"incident_id", inc.ID, "plan", plan.Name, "creator", plan.Creator, "error", err)
		return 0, nil
	}
	if err := e.createMessage(ctx, inc, plan, n, plan.Creator, domain.PriorityLow, why); err != nil {
		return 0, err
	}
	return 1, nil
}

func (e *Engine) createMessage(ctx context.Context, inc *domain.Incident, plan *domain.Plan, n *domain.Notification, username string, priority domain.Priority, redirected string) error {
	msg := &domain.Message{
		IncidentID:     inc.ID,
		PlanID:         plan.ID,
		NotificationID: n.ID,
		PlanName:       plan.Name,
		Application:    inc.Application,
		Target:         username,
		Priority:       priority,
		TemplateName:   n.TemplateName,
		Context:        inc.Context,
		CreatedAt:      e.now(),
	}
	if _, err := e.messages.Create(ctx, msg); err != nil {
		return err
	}
	metrics.MessagesCreatedTotal.Inc()

	if redirected != "" {
		err := e.audit.Record(ctx, &domain.MessageChange{
			MessageID:   msg.ID,
			ChangeType:  domain.ChangeTypeTarget,
			Old:         fmt.Sprintf("%s:%s", n.Role, n.Target),
			New:         username,
			Description: "redirected to plan creator: " + redirected,
		})
		if err != nil {
			e.logger.Error("failed to record target change", "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

// sendTracking emits the plan's out-of-band tracking notification for a new
// incident, when configured.
func (e *Engine) sendTracking(ctx context.Context, inc *domain.Incident, plan *domain.Plan) {
	if plan.TrackingType == "" || plan.TrackingKey == "" {
		return
	}
	content, exists := plan.TrackingTemplates[inc.Application]
	if !exists {
		e.logger.Warn("plan has no tracking template for application",
			"plan", plan.Name, "application", inc.Application)
		return
	}

	msg := &domain.Message{
		IncidentID:  inc.ID,
		PlanID:      plan.ID,
		PlanName:    plan.Name,
		Application: inc.Application,
		Mode:        plan.TrackingType,
		Destination: plan.TrackingKey,
		Context:     inc.Context,
		NoReply:     true,
		CreatedAt:   e.now(),
	}
	if err := e.renderer.RenderTracking(msg, content); err != nil {
		e.logger.Error("failed to render tracking notification",
			"incident_id", inc.ID, "plan", plan.Name, "error", err)
		return
	}
	if err := e.notifier.Notify(ctx, msg); err != nil {
		e.logger.Error("failed to send tracking notification",
			"incident_id", inc.ID, "plan", plan.Name, "error", err)
	}
}

// recordIncidentNote leaves an audit entry that is about an incident rather
// than a specific message.
func (e *Engine) recordIncidentNote(ctx context.Context, incidentID int64, note string) {
	err := e.audit.Record(ctx, &domain.MessageChange{
		ChangeType:  domain.ChangeTypeSent,
		Description: note,
	})
	if err != nil {
		e.logger.Error("failed to record incident note", "incident_id", incidentID, "error", err)
	}
}
