package escalation

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"herald/internal/cache"
	"herald/internal/domain"
	"herald/internal/rolelookup"
	"herald/internal/store/memory"
)

type capturedNotifier struct {
	messages []*domain.Message
}

func (n *capturedNotifier) Notify(ctx context.Context, msg *domain.Message) error {
	n.messages = append(n.messages, msg)
	return nil
}

type escFixture struct {
	engine    *Engine
	incidents *memory.IncidentRepository
	messages  *memory.MessageRepository
	plans     *memory.PlanSource
	backend   *rolelookup.StaticBackend
	directory *rolelookup.StaticDirectory
	roles     *rolelookup.Resolver
	notifier  *capturedNotifier
	audit     *memory.AuditLog
	clock     time.Time
}

func newEscFixture(t *testing.T) *escFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	messages := memory.NewMessageRepository()
	incidents := memory.NewIncidentRepository(messages)
	plans := memory.NewPlanSource()
	templates := memory.NewTemplateSource()

	backend := rolelookup.NewStaticBackend()
	directory := rolelookup.NewStaticDirectory()
	roles := rolelookup.NewResolver(backend, directory, logger)

	planCache := cache.NewPlans(plans, logger)
	renderer := cache.NewRenderer(cache.NewTemplates(templates, logger), logger)
	notifier := &capturedNotifier{}
	audit := memory.NewAuditLog()

	f := &escFixture{
		engine:    NewEngine(incidents, messages, planCache, roles, renderer, notifier, audit, logger),
		incidents: incidents,
		messages:  messages,
		plans:     plans,
		backend:   backend,
		directory: directory,
		roles:     roles,
		notifier:  notifier,
		audit:     audit,
		clock:     time.Now(),
	}
	f.engine.now = func() time.Time { return f.clock }
	return f
}

// twoStepPlan is one primary page repeated once with a 10 minute wait,
// then the team manager.
func (f *escFixture) twoStepPlan() {
	f.plans.Put(&domain.Plan{
		ID:      1,
		Name:    "db-oncall",
		Creator: "planowner",
		Steps: [][]*domain.Notification{
			{{
				ID: 11, PlanID: 1, Step: 1,
				Role: "oncall-primary", Target: "infra",
				Priority: domain.PriorityHigh, TemplateName: "page",
				Repeat: 1, Wait: 10 * time.Minute,
			}},
			{{
				ID: 21, PlanID: 1, Step: 2,
				Role: rolelookup.RoleUser, Target: "manager",
				Priority: domain.PriorityUrgent, TemplateName: "page",
				Repeat: 0, Wait: 10 * time.Minute,
			}},
		},
	})
	f.backend.Put("oncall-primary", "infra", "jdoe")
	f.directory.Put("jdoe", true)
	f.directory.Put("manager", true)
	f.directory.Put("planowner", true)
}

func (f *escFixture) openIncident(t *testing.T) int64 {
	t.Helper()
	id, err := f.incidents.Create(context.Background(), &domain.Incident{
		PlanID:      1,
		Application: "storage",
		Active:      true,
		Context:     map[string]any{"host": "db-3"},
	})
	if err != nil {
		t.Fatalf("Create incident failed: %v", err)
	}
	return id
}

func (f *escFixture) pass(t *testing.T) {
	t.Helper()
	// A lookup cache carried across passes would hide rotation changes.
	f.roles.Purge()
	if err := f.engine.Escalate(context.Background()); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if err := f.engine.Deactivate(context.Background()); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
}

func (f *escFixture) pendingCount(t *testing.T) int {
	t.Helper()
	pending, err := f.messages.Pending(context.Background(), nil)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	return len(pending)
}

func TestNewIncidentStartsStepOne(t *testing.T) {
	f := newEscFixture(t)
	f.twoStepPlan()
	id := f.openIncident(t)

	f.pass(t)

	inc, _ := f.incidents.Get(context.Background(), id)
	if inc.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", inc.CurrentStep)
	}
	pending, _ := f.messages.Pending(context.Background(), nil)
	if len(pending) != 1 {
		t.Fatalf("expected 1 message, got %d", len(pending))
	}
	msg := pending[0]
	if msg.Target != "jdoe" || msg.Priority != domain.PriorityHigh || msg.NotificationID != 11 {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Context["host"] != "db-3" {
		t.Errorf("incident context not carried: %v", msg.Context)
	}
}

func TestEscalationIsIdempotentWithinWait(t *testing.T) {
	f := newEscFixture(t)
	f.twoStepPlan()
	f.openIncident(t)

	f.pass(t)
	f.pass(t)
	f.pass(t)

	if got := f.pendingCount(t); got != 1 {
		t.Errorf("expected 1 message while the wait runs, got %d", got)
	}
}

func TestRepeatAfterWaitThenAdvance(t *testing.T) {
	f := newEscFixture(t)
	f.twoStepPlan()
	id := f.openIncident(t)
	ctx := context.Background()

	f.pass(t) // step 1, first send

	f.clock = f.clock.Add(10 * time.Minute)
	f.pass(t) // repeat fires
	if got := f.pendingCount(t); got != 2 {
		t.Fatalf("expected the repeat message, got %d pending", got)
	}
	inc, _ := f.incidents.Get(ctx, id)
	if inc.CurrentStep != 1 {
		t.Fatalf("advanced too early: step %d", inc.CurrentStep)
	}

	f.clock = f.clock.Add(10 * time.Minute)
	f.pass(t) // repeats exhausted and wait elapsed: advance to step 2
	inc, _ = f.incidents.Get(ctx, id)
	if inc.CurrentStep != 2 {
		t.Fatalf("CurrentStep = %d, want 2", inc.CurrentStep)
	}
	pending, _ := f.messages.Pending(ctx, nil)
	var manager int
	for _, msg := range pending {
		if msg.Target == "manager" && msg.NotificationID == 21 {
			manager++
		}
	}
	if manager != 1 {
		t.Errorf("expected one step-2 message to the manager, got %d", manager)
	}
}

func TestPlanExhaustionDeactivates(t *testing.T) {
	f := newEscFixture(t)
	f.twoStepPlan()
	id := f.openIncident(t)
	ctx := context.Background()

	f.pass(t)
	f.clock = f.clock.Add(10 * time.Minute)
	f.pass(t)
	f.clock = f.clock.Add(10 * time.Minute)
	f.pass(t) // advances to step 2

	inc, _ := f.incidents.Get(ctx, id)
	if inc.CurrentStep != 2 || !inc.Active {
		t.Fatalf("unexpected state before exhaustion: %+v", inc)
	}

	f.clock = f.clock.Add(10 * time.Minute)
	f.pass(t) // final step exhausted

	inc, _ = f.incidents.Get(ctx, id)
	if inc.Active {
		t.Error("expected incident deactivated after plan exhaustion")
	}
	if inc.Claimed() {
		t.Error("exhausted incident must not look claimed")
	}
}

func TestTrackingNotificationOnStart(t *testing.T) {
	f := newEscFixture(t)
	f.twoStepPlan()
	plan, _ := f.plans.Get(context.Background(), 1)
	plan.TrackingType = domain.ModeSlack
	plan.TrackingKey = "#storage-incidents"
	plan.TrackingTemplates = map[string]domain.TemplateContent{
		"storage": {Subject: "incident on {{.host}}", Body: "escalation started"},
	}
	f.plans.Put(plan)
	f.openIncident(t)

	f.pass(t)

	if len(f.notifier.messages) != 1 {
		t.Fatalf("expected one tracking notification, got %d", len(f.notifier.messages))
	}
	tracking := f.notifier.messages[0]
	if tracking.Mode != domain.ModeSlack || tracking.Destination != "#storage-incidents" {
		t.Errorf("unexpected tracking routing: %+v", tracking)
	}
	if !tracking.NoReply {
		t.Error("tracking notifications must be noreply")
	}
	if tracking.Subject != "incident on db-3" {
		t.Errorf("unexpected tracking subject: %q", tracking.Subject)
	}
}

func TestNonOptionalFailureRedirectsToCreator(t *testing.T) {
	f := newEscFixture(t)
	f.twoStepPlan()
	f.backend.Put("oncall-primary", "infra") // rotation is empty
	f.openIncident(t)

	f.pass(t)

	pending, _ := f.messages.Pending(context.Background(), nil)
	if len(pending) != 1 {
		t.Fatalf("expected the creator fallback message, got %d", len(pending))
	}
	msg := pending[0]
	if msg.Target != "planowner" || msg.Priority != domain.PriorityLow {
		t.Errorf("unexpected fallback message: %+v", msg)
	}
	changes, _ := f.audit.ListByMessage(context.Background(), msg.ID)
	if len(changes) != 1 || changes[0].ChangeType != domain.ChangeTypeTarget {
		t.Errorf("expected a target-change audit entry, got %v", changes)
	}
}

func TestOptionalFailureIsSilent(t *testing.T) {
	f := newEscFixture(t)
	f.plans.Put(&domain.Plan{
		ID:      1,
		Name:    "db-oncall",
		Creator: "planowner",
		Steps: [][]*domain.Notification{{
			{
				ID: 11, PlanID: 1, Step: 1,
				Role: "oncall-primary", Target: "infra",
				Priority: domain.PriorityHigh, Optional: true,
				Repeat: 0, Wait: time.Minute,
			},
			{
				ID: 12, PlanID: 1, Step: 1,
				Role: rolelookup.RoleUser, Target: "jdoe",
				Priority: domain.PriorityHigh,
				Repeat: 0, Wait: time.Minute,
			},
		}},
	})
	f.directory.Put("jdoe", true)
	f.directory.Put("planowner", true)
	f.openIncident(t)

	f.pass(t)

	pending, _ := f.messages.Pending(context.Background(), nil)
	if len(pending) != 1 || pending[0].Target != "jdoe" {
		t.Errorf("optional failure must be skipped without fallback, got %v", pending)
	}
}

func TestTotalStartFailureRetriesThenGivesUp(t *testing.T) {
	f := newEscFixture(t)
	f.twoStepPlan()
	f.backend.Put("oncall-primary", "infra") // nobody on call
	f.directory.Put("planowner", false)      // creator inactive too
	id := f.openIncident(t)
	ctx := context.Background()

	for i := 0; i < maxStartFailures-1; i++ {
		f.pass(t)
		inc, _ := f.incidents.Get(ctx, id)
		if !inc.Active || inc.CurrentStep != 0 {
			t.Fatalf("pass %d: expected incident held at step 0, got %+v", i+1, inc)
		}
	}

	f.pass(t)
	inc, _ := f.incidents.Get(ctx, id)
	if inc.Active {
		t.Error("expected incident deactivated after repeated start failures")
	}
	if got := f.pendingCount(t); got != 0 {
		t.Errorf("expected no messages, got %d", got)
	}
}

func TestEmptyPlanDeactivatesImmediately(t *testing.T) {
	f := newEscFixture(t)
	f.plans.Put(&domain.Plan{ID: 1, Name: "hollow", Creator: "planowner"})
	id := f.openIncident(t)

	f.pass(t)

	inc, _ := f.incidents.Get(context.Background(), id)
	if inc.Active {
		t.Error("expected incident against an empty plan deactivated")
	}
}
