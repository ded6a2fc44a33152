package memory

import (
	"context"
	"testing"
	"time"

	"herald/internal/domain"
)

func TestIncidentLifecycle(t *testing.T) {
	ctx := context.Background()
	messages := NewMessageRepository()
	incidents := NewIncidentRepository(messages)

	id, err := incidents.Create(ctx, &domain.Incident{
		PlanID:      7,
		Application: "checkout",
		Active:      true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	fresh, err := incidents.NewlyActive(ctx)
	if err != nil {
		t.Fatalf("NewlyActive failed: %v", err)
	}
	if len(fresh) != 1 || fresh[0].ID != id {
		t.Fatalf("expected the new incident at step 0, got %v", fresh)
	}

	if err := incidents.SetStep(ctx, id, 1); err != nil {
		t.Fatalf("SetStep failed: %v", err)
	}
	fresh, _ = incidents.NewlyActive(ctx)
	if len(fresh) != 0 {
		t.Fatalf("expected no step-0 incidents after SetStep, got %d", len(fresh))
	}

	if err := incidents.Deactivate(ctx, id); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	inc, err := incidents.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if inc.Active {
		t.Error("expected incident inactive after Deactivate")
	}
	if inc.Claimed() {
		t.Error("deactivated incident without owner must not count as claimed")
	}

	if err := incidents.Claim(ctx, id, "jdoe"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	inc, _ = incidents.Get(ctx, id)
	if !inc.Claimed() {
		t.Error("expected incident claimed")
	}
}

func TestPendingEscalationsAggregates(t *testing.T) {
	ctx := context.Background()
	messages := NewMessageRepository()
	incidents := NewIncidentRepository(messages)

	id, _ := incidents.Create(ctx, &domain.Incident{PlanID: 3, Application: "gateway", Active: true})
	if err := incidents.SetStep(ctx, id, 1); err != nil {
		t.Fatalf("SetStep failed: %v", err)
	}

	base := time.Now().Add(-5 * time.Minute)
	for i := 0; i < 3; i++ {
		_, err := messages.Create(ctx, &domain.Message{
			IncidentID:     id,
			PlanID:         3,
			NotificationID: 42,
			Target:         "jdoe",
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Create message failed: %v", err)
		}
	}
	messages.Create(ctx, &domain.Message{
		IncidentID:     id,
		PlanID:         3,
		NotificationID: 43,
		Target:         "asmith",
		CreatedAt:      base,
	})

	rows, err := incidents.PendingEscalations(ctx)
	if err != nil {
		t.Fatalf("PendingEscalations failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 status rows, got %d", len(rows))
	}

	byNotification := make(map[int64]int)
	for _, row := range rows {
		if row.IncidentID != id || row.CurrentStep != 1 {
			t.Errorf("unexpected row identity: %+v", row)
		}
		byNotification[row.NotificationID] = row.SentCount
	}
	if byNotification[42] != 3 || byNotification[43] != 1 {
		t.Errorf("unexpected counts: %v", byNotification)
	}

	for _, row := range rows {
		if row.NotificationID != 42 {
			continue
		}
		want := base.Add(2 * time.Minute)
		if !row.LastCreatedAt.Equal(want) {
			t.Errorf("LastCreatedAt = %v, want %v", row.LastCreatedAt, want)
		}
	}

	// Deactivated incidents drop out of the pending set.
	if err := incidents.Deactivate(ctx, id); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	rows, _ = incidents.PendingEscalations(ctx)
	if len(rows) != 0 {
		t.Errorf("expected no rows for inactive incident, got %d", len(rows))
	}
}

func TestMessagePendingExcludesTerminalStates(t *testing.T) {
	ctx := context.Background()
	messages := NewMessageRepository()

	a, _ := messages.Create(ctx, &domain.Message{Application: "checkout", Target: "jdoe"})
	b, _ := messages.Create(ctx, &domain.Message{Application: "checkout", Target: "jdoe"})
	c, _ := messages.Create(ctx, &domain.Message{Application: "checkout", Target: "jdoe"})
	d, _ := messages.Create(ctx, &domain.Message{Application: "checkout", Target: "jdoe"})

	if err := messages.MarkSent(ctx, time.Now(), b); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	if err := messages.SetState(ctx, c, domain.MessageStateDropped); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	pending, err := messages.Pending(ctx, map[int64]struct{}{d: {}})
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != a {
		t.Fatalf("expected only message %d pending, got %v", a, pending)
	}

	sent, _ := messages.Get(ctx, b)
	if sent.SentAt == nil || sent.State != domain.MessageStateDispatched {
		t.Errorf("expected message %d dispatched with SentAt set", b)
	}
}

func TestLatestForPlan(t *testing.T) {
	ctx := context.Background()
	incidents := NewIncidentRepository(NewMessageRepository())

	if _, err := incidents.LatestForPlan(ctx, 9); err != domain.ErrIncidentNotFound {
		t.Fatalf("expected ErrIncidentNotFound, got %v", err)
	}

	now := time.Now()
	incidents.Create(ctx, &domain.Incident{PlanID: 9, CreatedAt: now.Add(-time.Hour)})
	latest, _ := incidents.Create(ctx, &domain.Incident{PlanID: 9, CreatedAt: now})
	incidents.Create(ctx, &domain.Incident{PlanID: 8, CreatedAt: now.Add(time.Hour)})

	inc, err := incidents.LatestForPlan(ctx, 9)
	if err != nil {
		t.Fatalf("LatestForPlan failed: %v", err)
	}
	if inc.ID != latest {
		t.Errorf("LatestForPlan = incident %d, want %d", inc.ID, latest)
	}
}
