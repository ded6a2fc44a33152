package contact

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"herald/internal/domain"
	"herald/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newResolverFixture() (*Resolver, *memory.ContactRepository, *memory.AuditLog) {
	contacts := memory.NewContactRepository()
	audit := memory.NewAuditLog()
	return NewResolver(contacts, audit, domain.ModeEmail, testLogger()), contacts, audit
}

func TestResolvePrecedenceChain(t *testing.T) {
	resolver, contacts, _ := newResolverFixture()
	ctx := context.Background()

	contacts.PutDestination("jdoe", domain.ModeEmail, "jdoe@example.com")
	contacts.PutDestination("jdoe", domain.ModeSMS, "+15550100")
	contacts.PutDestination("jdoe", domain.ModeCall, "+15550100")
	contacts.PutDestination("jdoe", domain.ModeSlack, "@jdoe")

	msg := func() *domain.Message {
		return &domain.Message{Application: "checkout", Target: "jdoe", Priority: domain.PriorityHigh}
	}

	// System default for high priority is call.
	m := msg()
	if err := resolver.Resolve(ctx, m); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if m.Mode != domain.ModeCall || m.Destination != "+15550100" {
		t.Errorf("system default: got %s/%s", m.Mode, m.Destination)
	}

	// A user global default beats the system default.
	contacts.PutUserMode("jdoe", domain.PriorityHigh, domain.ModeSlack)
	m = msg()
	resolver.Resolve(ctx, m)
	if m.Mode != domain.ModeSlack {
		t.Errorf("user default: got %s", m.Mode)
	}

	// An application default beats the user default.
	contacts.PutAppMode("checkout", domain.PriorityHigh, domain.ModeSMS)
	m = msg()
	resolver.Resolve(ctx, m)
	if m.Mode != domain.ModeSMS {
		t.Errorf("application default: got %s", m.Mode)
	}

	// A per-application user override beats everything.
	contacts.PutUserAppMode("jdoe", "checkout", domain.PriorityHigh, domain.ModeEmail)
	m = msg()
	resolver.Resolve(ctx, m)
	if m.Mode != domain.ModeEmail {
		t.Errorf("user application override: got %s", m.Mode)
	}

	// An explicit mode on the message wins over the whole chain.
	m = msg()
	m.Mode = domain.ModeCall
	resolver.Resolve(ctx, m)
	if m.Mode != domain.ModeCall {
		t.Errorf("explicit mode: got %s", m.Mode)
	}
}

func TestResolveDisabledModeFallsBackToEmail(t *testing.T) {
	resolver, contacts, _ := newResolverFixture()
	contacts.PutDestination("jdoe", domain.ModeEmail, "jdoe@example.com")
	contacts.PutDestination("jdoe", domain.ModeCall, "+15550100")
	contacts.SetAllowedModes("checkout", domain.ModeEmail, domain.ModeSMS)

	m := &domain.Message{Application: "checkout", Target: "jdoe", Priority: domain.PriorityUrgent}
	if err := resolver.Resolve(context.Background(), m); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if m.Mode != domain.ModeEmail || m.Destination != "jdoe@example.com" {
		t.Errorf("got %s/%s, want email fallback", m.Mode, m.Destination)
	}
}

func TestResolveUsesConfiguredFallbackMode(t *testing.T) {
	contacts := memory.NewContactRepository()
	audit := memory.NewAuditLog()
	resolver := NewResolver(contacts, audit, domain.ModeSlack, testLogger())

	contacts.PutDestination("jdoe", domain.ModeSlack, "@jdoe")
	contacts.PutDestination("jdoe", domain.ModeCall, "+15550100")
	contacts.SetAllowedModes("checkout", domain.ModeSlack, domain.ModeSMS)

	// Urgent resolves to call, which the application disallows; the
	// resolver must fall back to the configured mode, not always email.
	m := &domain.Message{Application: "checkout", Target: "jdoe", Priority: domain.PriorityUrgent}
	if err := resolver.Resolve(context.Background(), m); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if m.Mode != domain.ModeSlack || m.Destination != "@jdoe" {
		t.Errorf("got %s/%s, want the slack fallback", m.Mode, m.Destination)
	}
}

func TestResolveMissingDestinationFallsBackWithAudit(t *testing.T) {
	resolver, contacts, audit := newResolverFixture()
	contacts.PutDestination("jdoe", domain.ModeEmail, "jdoe@example.com")

	m := &domain.Message{ID: 7, Application: "checkout", Target: "jdoe", Priority: domain.PriorityHigh}
	if err := resolver.Resolve(context.Background(), m); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if m.Mode != domain.ModeEmail {
		t.Errorf("got %s, want email fallback", m.Mode)
	}

	changes, _ := audit.ListByMessage(context.Background(), 7)
	if len(changes) != 1 || changes[0].ChangeType != domain.ChangeTypeMode {
		t.Errorf("expected one mode-change audit entry, got %v", changes)
	}
}

func TestResolveNoContactAtAll(t *testing.T) {
	resolver, _, _ := newResolverFixture()

	m := &domain.Message{ID: 3, Application: "checkout", Target: "ghost", Priority: domain.PriorityLow}
	err := resolver.Resolve(context.Background(), m)
	if !errors.Is(err, ErrNoContact) {
		t.Errorf("expected ErrNoContact, got %v", err)
	}
}

func TestResolveDropModeNeedsNoDestination(t *testing.T) {
	resolver, contacts, _ := newResolverFixture()
	contacts.PutUserAppMode("jdoe", "chatty-app", domain.PriorityLow, domain.ModeDrop)

	m := &domain.Message{Application: "chatty-app", Target: "jdoe", Priority: domain.PriorityLow}
	if err := resolver.Resolve(context.Background(), m); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if m.Mode != domain.ModeDrop || m.Destination != "" {
		t.Errorf("got %s/%q, want drop with no destination", m.Mode, m.Destination)
	}
}
