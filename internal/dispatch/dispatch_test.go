package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"herald/internal/contact"
	"herald/internal/domain"
	"herald/internal/rpc"
	"herald/internal/store/memory"
	"herald/internal/vendors"
)

// fakeTransport records sends and fails a configurable number of times.
type fakeTransport struct {
	mode     domain.Mode
	failures int
	sent     []*domain.Message
}

func (t *fakeTransport) Mode() domain.Mode { return t.mode }

func (t *fakeTransport) Send(ctx context.Context, msg *domain.Message) error {
	if t.failures > 0 {
		t.failures--
		return errors.New("gateway unavailable")
	}
	copied := *msg
	t.sent = append(t.sent, &copied)
	return nil
}

// modeRenderer stamps mode-specific content so tests can tell which
// rendering a vendor received.
type modeRenderer struct{}

func (modeRenderer) Render(ctx context.Context, msg *domain.Message) error {
	msg.Subject = string(msg.Mode) + " page"
	msg.Body = "rendered for " + string(msg.Mode)
	return nil
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	messages   *memory.MessageRepository
	contacts   *memory.ContactRepository
	audit      *memory.AuditLog
	email      *fakeTransport
	sms        *fakeTransport
}

func newDispatchFixture(t *testing.T, peerClient PeerClient, peers []string) *dispatchFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	registry := vendors.NewRegistry()
	email := &fakeTransport{mode: domain.ModeEmail}
	sms := &fakeTransport{mode: domain.ModeSMS}
	registry.Register(email)
	registry.Register(sms)

	messages := memory.NewMessageRepository()
	contacts := memory.NewContactRepository()
	audit := memory.NewAuditLog()
	reprio := contact.NewReprioritizer(memory.NewReprioritizationRepository(), audit, logger)

	return &dispatchFixture{
		dispatcher: NewDispatcher(registry, messages, contacts, audit,
			modeRenderer{}, reprio, domain.ModeEmail, peerClient, peers, logger),
		messages:   messages,
		contacts:   contacts,
		audit:      audit,
		email:      email,
		sms:        sms,
	}
}

func (f *dispatchFixture) persisted(t *testing.T, msg *domain.Message) *domain.Message {
	t.Helper()
	if _, err := f.messages.Create(context.Background(), msg); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return msg
}

func TestDispatchSendsAndMarksSent(t *testing.T) {
	f := newDispatchFixture(t, nil, nil)
	msg := f.persisted(t, &domain.Message{
		Application: "checkout",
		Target:      "jdoe",
		Mode:        domain.ModeSMS,
		Destination: "+15550100",
		Body:        "page",
	})

	if got := f.dispatcher.Dispatch(context.Background(), msg); got != OutcomeSent {
		t.Fatalf("outcome = %v, want OutcomeSent", got)
	}
	if len(f.sms.sent) != 1 {
		t.Fatalf("expected 1 vendor send, got %d", len(f.sms.sent))
	}
	stored, _ := f.messages.Get(context.Background(), msg.ID)
	if stored.State != domain.MessageStateDispatched || stored.SentAt == nil {
		t.Errorf("message not marked sent: %+v", stored)
	}
}

func TestDispatchRetriesThenReclassifiesToEmail(t *testing.T) {
	f := newDispatchFixture(t, nil, nil)
	f.contacts.PutDestination("jdoe", domain.ModeEmail, "jdoe@example.com")
	f.sms.failures = 10 // sms never succeeds

	msg := f.persisted(t, &domain.Message{
		Application: "checkout",
		Target:      "jdoe",
		Mode:        domain.ModeSMS,
		Destination: "+15550100",
	})

	ctx := context.Background()
	outcomes := []Outcome{}
	for i := 0; i < 4; i++ {
		outcome := f.dispatcher.Dispatch(ctx, msg)
		outcomes = append(outcomes, outcome)
		if outcome != OutcomeRetry {
			break
		}
	}

	// Two sms retries, then the reclassification retry, then email sends.
	want := []Outcome{OutcomeRetry, OutcomeRetry, OutcomeRetry, OutcomeSent}
	for i, outcome := range outcomes {
		if outcome != want[i] {
			t.Fatalf("attempt %d outcome = %v, want %v (all: %v)", i+1, outcome, want[i], outcomes)
		}
	}
	if msg.Mode != domain.ModeEmail || msg.Destination != "jdoe@example.com" {
		t.Errorf("message not reclassified: %s/%s", msg.Mode, msg.Destination)
	}
	if len(f.email.sent) != 1 {
		t.Errorf("expected the email vendor to deliver, got %d", len(f.email.sent))
	}

	changes, _ := f.audit.ListByMessage(ctx, msg.ID)
	found := false
	for _, c := range changes {
		if c.ChangeType == domain.ChangeTypeMode && c.New == "email" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a mode-change audit entry, got %v", changes)
	}
}

func TestReclassifiedMessageIsReRenderedAndPersisted(t *testing.T) {
	f := newDispatchFixture(t, nil, nil)
	f.contacts.PutDestination("jdoe", domain.ModeEmail, "jdoe@example.com")
	f.sms.failures = 10

	msg := f.persisted(t, &domain.Message{
		Application: "checkout",
		Target:      "jdoe",
		Mode:        domain.ModeSMS,
		Destination: "+15550100",
		Subject:     "sms page",
		Body:        "rendered for sms",
	})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if f.dispatcher.Dispatch(ctx, msg) != OutcomeRetry {
			break
		}
	}

	if len(f.email.sent) != 1 {
		t.Fatalf("expected the email vendor to deliver, got %d", len(f.email.sent))
	}
	// Templates are per-mode: the email must carry the email rendering, not
	// the sms body the message entered the pipeline with.
	if got := f.email.sent[0].Body; got != "rendered for email" {
		t.Errorf("email body = %q, want the email rendering", got)
	}
	stored, _ := f.messages.Get(ctx, msg.ID)
	if stored.Mode != domain.ModeEmail || stored.Destination != "jdoe@example.com" {
		t.Errorf("stored mode/destination = %s/%s, want email/jdoe@example.com",
			stored.Mode, stored.Destination)
	}
	if stored.Body != "rendered for email" {
		t.Errorf("stored body = %q, want the email rendering", stored.Body)
	}
}

func TestEmailFailureIsTerminal(t *testing.T) {
	f := newDispatchFixture(t, nil, nil)
	f.email.failures = 10

	msg := f.persisted(t, &domain.Message{
		Application: "checkout",
		Target:      "jdoe",
		Mode:        domain.ModeEmail,
		Destination: "jdoe@example.com",
	})

	ctx := context.Background()
	var outcome Outcome
	for i := 0; i < 4; i++ {
		outcome = f.dispatcher.Dispatch(ctx, msg)
		if outcome != OutcomeRetry {
			break
		}
	}
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %v, want OutcomeFailed", outcome)
	}
	stored, _ := f.messages.Get(ctx, msg.ID)
	if stored.State != domain.MessageStateFailed {
		t.Errorf("state = %s, want failed", stored.State)
	}
}

func TestDropModeNeverReachesVendor(t *testing.T) {
	f := newDispatchFixture(t, nil, nil)
	msg := f.persisted(t, &domain.Message{
		Application: "chatty-app",
		Target:      "jdoe",
		Mode:        domain.ModeDrop,
	})

	if got := f.dispatcher.Dispatch(context.Background(), msg); got != OutcomeDropped {
		t.Fatalf("outcome = %v, want OutcomeDropped", got)
	}
	stored, _ := f.messages.Get(context.Background(), msg.ID)
	if stored.State != domain.MessageStateDropped {
		t.Errorf("state = %s, want dropped", stored.State)
	}
}

func TestOversizedBodyIsDroppedWithAudit(t *testing.T) {
	f := newDispatchFixture(t, nil, nil)
	msg := f.persisted(t, &domain.Message{
		Application: "checkout",
		Target:      "jdoe",
		Mode:        domain.ModeEmail,
		Destination: "jdoe@example.com",
		Body:        strings.Repeat("x", domain.MaxBodyLength+1),
	})

	if got := f.dispatcher.Dispatch(context.Background(), msg); got != OutcomeDropped {
		t.Fatalf("outcome = %v, want OutcomeDropped", got)
	}
	changes, _ := f.audit.ListByMessage(context.Background(), msg.ID)
	if len(changes) != 1 || changes[0].ChangeType != domain.ChangeTypeContent {
		t.Errorf("expected a content-change audit entry, got %v", changes)
	}
}

// fakePeer answers peer deliveries with a fixed status per call.
type fakePeer struct {
	statuses []string
	calls    []string
}

func (p *fakePeer) Deliver(ctx context.Context, peer string, msg *domain.Message) string {
	p.calls = append(p.calls, peer)
	status := p.statuses[0]
	if len(p.statuses) > 1 {
		p.statuses = p.statuses[1:]
	}
	return status
}

func TestPeerDeliverySpreadsRoundRobin(t *testing.T) {
	peer := &fakePeer{statuses: []string{rpc.StatusOK}}
	f := newDispatchFixture(t, peer, []string{"sender-b", "sender-c"})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		msg := f.persisted(t, &domain.Message{
			Application: "checkout", Target: "jdoe",
			Mode: domain.ModeSMS, Destination: "+15550100",
		})
		if got := f.dispatcher.Dispatch(ctx, msg); got != OutcomeSent {
			t.Fatalf("outcome = %v, want OutcomeSent", got)
		}
	}

	want := []string{"sender-b", "sender-c", "sender-b", "sender-c"}
	for i, peerName := range peer.calls {
		if peerName != want[i] {
			t.Fatalf("peer call %d went to %s, want %s", i, peerName, want[i])
		}
	}
	if len(f.sms.sent) != 0 {
		t.Errorf("local vendor must stay idle when peers deliver, got %d sends", len(f.sms.sent))
	}
}

func TestPeerFailureFallsBackToLocal(t *testing.T) {
	peer := &fakePeer{statuses: []string{rpc.StatusTimeout}}
	f := newDispatchFixture(t, peer, []string{"sender-b"})

	msg := f.persisted(t, &domain.Message{
		Application: "checkout", Target: "jdoe",
		Mode: domain.ModeSMS, Destination: "+15550100",
	})
	if got := f.dispatcher.Dispatch(context.Background(), msg); got != OutcomeSent {
		t.Fatalf("outcome = %v, want OutcomeSent", got)
	}
	if len(f.sms.sent) != 1 {
		t.Errorf("expected local fallback delivery, got %d", len(f.sms.sent))
	}
}

func TestPeerReceivedMessageIsNeverProxied(t *testing.T) {
	peer := &fakePeer{statuses: []string{rpc.StatusOK}}
	f := newDispatchFixture(t, peer, []string{"sender-b"})

	msg := &domain.Message{
		Application: "checkout", Target: "jdoe",
		Mode: domain.ModeSMS, Destination: "+15550100",
		ToPeer: true,
	}
	if got := f.dispatcher.Dispatch(context.Background(), msg); got != OutcomeSent {
		t.Fatalf("outcome = %v, want OutcomeSent", got)
	}
	if len(peer.calls) != 0 {
		t.Error("a peer-received message must be delivered locally")
	}
	if len(f.sms.sent) != 1 {
		t.Errorf("expected local delivery, got %d", len(f.sms.sent))
	}
}
