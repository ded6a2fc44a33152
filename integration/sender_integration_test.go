package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"herald/internal/aggregation"
	"herald/internal/cache"
	"herald/internal/config"
	"herald/internal/contact"
	"herald/internal/coordinator"
	"herald/internal/dispatch"
	"herald/internal/domain"
	"herald/internal/escalation"
	"herald/internal/queue"
	memoryqueue "herald/internal/queue/memory"
	"herald/internal/quota"
	"herald/internal/rolelookup"
	"herald/internal/sender"
	"herald/internal/store/memory"
	"herald/internal/vendors"
)

// recordingTransport collects deliveries per mode for assertions.
type recordingTransport struct {
	mode domain.Mode
	ch   chan *domain.Message
}

func (t *recordingTransport) Mode() domain.Mode { return t.mode }

func (t *recordingTransport) Send(ctx context.Context, msg *domain.Message) error {
	copied := *msg
	t.ch <- &copied
	return nil
}

type notifierFunc func(ctx context.Context, msg *domain.Message) error

func (f notifierFunc) Notify(ctx context.Context, msg *domain.Message) error {
	return f(ctx, msg)
}

// stack is one fully wired in-memory sender.
type stack struct {
	sender     *sender.Sender
	messages   *memory.MessageRepository
	incidents  *memory.IncidentRepository
	planSource *memory.PlanSource
	contacts   *memory.ContactRepository
	backend    *rolelookup.StaticBackend
	directory  *rolelookup.StaticDirectory
	intake     *memoryqueue.Queue
	transports map[domain.Mode]*recordingTransport
	cancel     context.CancelFunc
}

func newStack() *stack {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	messages := memory.NewMessageRepository()
	incidents := memory.NewIncidentRepository(messages)
	planSource := memory.NewPlanSource()
	templateSource := memory.NewTemplateSource()
	contactsRepo := memory.NewContactRepository()
	audit := memory.NewAuditLog()

	plans := cache.NewPlans(planSource, logger)
	templates := cache.NewTemplates(templateSource, logger)
	renderer := cache.NewRenderer(templates, logger)

	backend := rolelookup.NewStaticBackend()
	directory := rolelookup.NewStaticDirectory()
	roles := rolelookup.NewResolver(backend, directory, logger)

	var snd *sender.Sender
	notifier := notifierFunc(func(ctx context.Context, msg *domain.Message) error {
		return snd.Notify(ctx, msg)
	})

	quotaEngine := quota.NewEngine(memory.NewQuotaRepository(), incidents, plans, roles, notifier, "herald", logger)
	aggregator := aggregation.NewEngine(messages, incidents, audit, logger)
	escalator := escalation.NewEngine(incidents, messages, plans, roles, renderer, notifier, audit, logger)

	registry := vendors.NewRegistry()
	transports := make(map[domain.Mode]*recordingTransport)
	for _, mode := range []domain.Mode{
		domain.ModeEmail, domain.ModeSMS, domain.ModeCall, domain.ModeSlack,
	} {
		tr := &recordingTransport{mode: mode, ch: make(chan *domain.Message, 100)}
		transports[mode] = tr
		registry.Register(tr)
	}

	resolver := contact.NewResolver(contactsRepo, audit, domain.ModeEmail, logger)
	reprio := contact.NewReprioritizer(memory.NewReprioritizationRepository(), audit, logger)
	dispatcher := dispatch.NewDispatcher(registry, messages, contactsRepo, audit,
		renderer, reprio, domain.ModeEmail, nil, nil, logger)

	cfg := config.Default().Sender
	cfg.Workers = 4

	snd = sender.New(&cfg, sender.Deps{
		Plans:      plans,
		Templates:  templates,
		Renderer:   renderer,
		Roles:      roles,
		Contacts:   resolver,
		Reprio:     reprio,
		Quota:      quotaEngine,
		Aggregator: aggregator,
		Escalator:  escalator,
		Dispatcher: dispatcher,
		Messages:   messages,
		Coord:      coordinator.NewStatic(true, nil),
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	snd.Start(ctx)

	intake := memoryqueue.NewQueue(100)
	go func() {
		_ = intake.Start(ctx, snd.HandleNotification)
	}()

	return &stack{
		sender:     snd,
		messages:   messages,
		incidents:  incidents,
		planSource: planSource,
		contacts:   contactsRepo,
		backend:    backend,
		directory:  directory,
		intake:     intake,
		transports: transports,
		cancel:     cancel,
	}
}

func (s *stack) stop() {
	s.cancel()
	s.sender.Stop()
}

func (s *stack) deliveries(mode domain.Mode) func() int {
	return func() int { return len(s.transports[mode].ch) }
}

func (s *stack) nextDelivery(mode domain.Mode) *domain.Message {
	select {
	case msg := <-s.transports[mode].ch:
		return msg
	case <-time.After(2 * time.Second):
		Fail("no " + string(mode) + " delivery within 2s")
		return nil
	}
}

var _ = Describe("Sender", func() {
	var s *stack

	BeforeEach(func() {
		s = newStack()
	})

	AfterEach(func() {
		s.stop()
	})

	Describe("incident escalation lifecycle", func() {
		BeforeEach(func() {
			s.directory.Put("alice", true)
			s.directory.Put("mgr", true)
			s.backend.Put("oncall-primary", "infra", "alice")
			s.contacts.PutDestination("alice", domain.ModeCall, "+15550100")
			s.contacts.PutDestination("mgr", domain.ModeEmail, "mgr@example.com")

			// Zero waits so each pass moves the incident forward.
			s.planSource.Put(&domain.Plan{
				ID:      1,
				Name:    "checkout-critical",
				Creator: "alice",
				Steps: [][]*domain.Notification{
					{{ID: 11, PlanID: 1, Step: 1, Role: "oncall-primary",
						Target: "infra", Priority: domain.PriorityUrgent}},
					{{ID: 21, PlanID: 1, Step: 2, Role: rolelookup.RoleUser,
						Target: "mgr", Priority: domain.PriorityLow}},
				},
			})
		})

		It("escalates step by step and deactivates when the plan is exhausted", func() {
			ctx := context.Background()
			incID, err := s.incidents.Create(ctx, &domain.Incident{
				PlanID: 1, Application: "checkout", Active: true,
				Context: map[string]any{"summary": "checkout is down"},
			})
			Expect(err).NotTo(HaveOccurred())

			// First pass starts step 1 and pages the on-call.
			s.sender.RunPass(ctx)
			first := s.nextDelivery(domain.ModeCall)
			Expect(first.Target).To(Equal("alice"))
			Expect(first.IncidentID).To(Equal(incID))

			inc, err := s.incidents.Get(ctx, incID)
			Expect(err).NotTo(HaveOccurred())
			Expect(inc.CurrentStep).To(Equal(1))

			// Step 1 is exhausted, so the next pass advances to step 2.
			s.sender.RunPass(ctx)
			second := s.nextDelivery(domain.ModeEmail)
			Expect(second.Target).To(Equal("mgr"))

			Eventually(func() int {
				inc, _ := s.incidents.Get(ctx, incID)
				return inc.CurrentStep
			}, time.Second).Should(Equal(2))

			// With every step exhausted the incident goes inactive.
			s.sender.RunPass(ctx)
			Eventually(func() bool {
				inc, _ := s.incidents.Get(ctx, incID)
				return inc.Active
			}, time.Second).Should(BeFalse())
		})

		It("does not page twice for the same notification within its budget", func() {
			ctx := context.Background()
			_, err := s.incidents.Create(ctx, &domain.Incident{
				PlanID: 1, Application: "checkout", Active: true,
			})
			Expect(err).NotTo(HaveOccurred())

			s.sender.RunPass(ctx)
			s.nextDelivery(domain.ModeCall)
			Consistently(s.deliveries(domain.ModeCall), 300*time.Millisecond).Should(BeZero())
		})
	})

	Describe("out-of-band notifications", func() {
		BeforeEach(func() {
			s.directory.Put("alice", true)
			s.directory.Put("bob", true)
			s.backend.Put("oncall-primary", "infra", "alice", "bob")
			s.contacts.PutDestination("alice", domain.ModeEmail, "alice@example.com")
			s.contacts.PutDestination("bob", domain.ModeEmail, "bob@example.com")
		})

		It("fans an intake notification out to every role member", func() {
			payload, err := json.Marshal(&sender.Notification{
				Role:        "oncall-primary",
				Target:      "infra",
				Application: "deploys",
				Priority:    domain.PriorityLow,
				Subject:     "deploy finished",
				Body:        "checkout v342 is live",
			})
			Expect(err).NotTo(HaveOccurred())

			err = s.intake.Publish(context.Background(), &queue.Message{
				Key:   []byte("deploys"),
				Value: payload,
			})
			Expect(err).NotTo(HaveOccurred())

			got := map[string]bool{}
			got[s.nextDelivery(domain.ModeEmail).Destination] = true
			got[s.nextDelivery(domain.ModeEmail).Destination] = true
			Expect(got).To(HaveKey("alice@example.com"))
			Expect(got).To(HaveKey("bob@example.com"))
		})
	})

	Describe("burst aggregation", func() {
		BeforeEach(func() {
			s.directory.Put("alice", true)
			s.contacts.PutDestination("alice", domain.ModeEmail, "alice@example.com")

			// Threshold 1 with an immediate release window: the second
			// message in a burst flips the key into aggregation.
			s.planSource.Put(&domain.Plan{
				ID:              2,
				Name:            "noisy-batch",
				Creator:         "alice",
				ThresholdWindow: time.Minute,
				ThresholdCount:  1,
				AggregationReset: time.Hour,
				Steps: [][]*domain.Notification{
					{{ID: 31, PlanID: 2, Step: 1, Role: rolelookup.RoleUser,
						Target: "alice", Priority: domain.PriorityLow,
						Wait: time.Hour}},
				},
			})
		})

		It("batches a burst into one summary message", func() {
			ctx := context.Background()
			incID, err := s.incidents.Create(ctx, &domain.Incident{
				PlanID: 2, Application: "noisy", Active: true, CurrentStep: 1,
			})
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 3; i++ {
				_, err := s.messages.Create(ctx, &domain.Message{
					IncidentID: incID, PlanID: 2, NotificationID: 31,
					PlanName: "noisy-batch", Application: "noisy",
					Target: "alice", Priority: domain.PriorityLow,
					Body: "page",
				})
				Expect(err).NotTo(HaveOccurred())
			}

			s.sender.RunPass(ctx)

			// The first message goes out directly; the rest are batched.
			direct := s.nextDelivery(domain.ModeEmail)
			Expect(direct.BatchID).To(BeEmpty())

			batch := s.nextDelivery(domain.ModeEmail)
			Expect(batch.BatchID).NotTo(BeEmpty())
			Expect(batch.AggregatedIDs).To(HaveLen(2))
			Expect(batch.Body).To(ContainSubstring("2 messages"))
		})
	})
})
