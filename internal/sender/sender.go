// Package sender wires the engines together and runs the delivery pipeline:
// periodic master passes create and poll messages, worker pools deliver
// them, and the out-of-band intake feeds ad hoc notifications in.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"herald/internal/aggregation"
	"herald/internal/cache"
	"herald/internal/config"
	"herald/internal/contact"
	"herald/internal/coordinator"
	"herald/internal/dispatch"
	"herald/internal/domain"
	"herald/internal/escalation"
	"herald/internal/metrics"
	"herald/internal/queue"
	"herald/internal/quota"
	"herald/internal/rolelookup"
	"herald/internal/store"
)

// deliveryModes are the modes that get a worker pool. Drop-mode messages are
// discarded inline and never reach a queue.
var deliveryModes = []domain.Mode{
	domain.ModeEmail, domain.ModeSMS, domain.ModeCall, domain.ModeSlack,
}

// Sender orchestrates the delivery pipeline.
type Sender struct {
	cfg *config.SenderConfig

	plans      *cache.Plans
	templates  *cache.Templates
	renderer   *cache.Renderer
	roles      *rolelookup.Resolver
	contacts   *contact.Resolver
	reprio     *contact.Reprioritizer
	quota      *quota.Engine
	aggregator *aggregation.Engine
	escalator  *escalation.Engine
	dispatcher *dispatch.Dispatcher
	messages   store.MessageRepository
	coord      coordinator.Coordinator
	logger     *slog.Logger

	queues map[domain.Mode]chan *domain.Message

	mu       sync.Mutex
	inflight map[int64]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Deps bundles the collaborators a Sender needs.
type Deps struct {
	Plans      *cache.Plans
	Templates  *cache.Templates
	Renderer   *cache.Renderer
	Roles      *rolelookup.Resolver
	Contacts   *contact.Resolver
	Reprio     *contact.Reprioritizer
	Quota      *quota.Engine
	Aggregator *aggregation.Engine
	Escalator  *escalation.Engine
	Dispatcher *dispatch.Dispatcher
	Messages   store.MessageRepository
	Coord      coordinator.Coordinator
	Logger     *slog.Logger
}

// New creates a sender. Call Start to run it.
func New(cfg *config.SenderConfig, deps Deps) *Sender {
	s := &Sender{
		cfg:        cfg,
		plans:      deps.Plans,
		templates:  deps.Templates,
		renderer:   deps.Renderer,
		roles:      deps.Roles,
		contacts:   deps.Contacts,
		reprio:     deps.Reprio,
		quota:      deps.Quota,
		aggregator: deps.Aggregator,
		escalator:  deps.Escalator,
		dispatcher: deps.Dispatcher,
		messages:   deps.Messages,
		coord:      deps.Coord,
		logger:     deps.Logger,
		queues:     make(map[domain.Mode]chan *domain.Message),
		inflight:   make(map[int64]struct{}),
	}
	for _, mode := range deliveryModes {
		s.queues[mode] = make(chan *domain.Message, 1000)
	}
	return s
}

// Start spawns the worker pools and the periodic loops. It returns
// immediately; Stop shuts everything down.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, mode := range deliveryModes {
		for i := 0; i < s.workersFor(mode); i++ {
			s.wg.Add(1)
			go s.worker(ctx, mode)
		}
	}

	s.wg.Add(2)
	go s.passLoop(ctx)
	go s.purgeLoop(ctx)

	s.logger.Info("sender started",
		"interval", s.cfg.Interval, "workers", s.cfg.Workers)
}

// Stop cancels the loops and waits for the workers to drain.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sender stopped")
}

func (s *Sender) workersFor(mode domain.Mode) int {
	if n, ok := s.cfg.WorkersPerMode[string(mode)]; ok && n > 0 {
		return n
	}
	n := s.cfg.Workers / len(deliveryModes)
	if n < 1 {
		n = 1
	}
	return n
}

// worker delivers messages from one mode queue. A panicking worker is
// respawned so a bad vendor cannot bleed the pool dry.
func (s *Sender) worker(ctx context.Context, mode domain.Mode) {
	defer s.wg.Done()
	for {
		if s.runWorker(ctx, mode) {
			return
		}
		metrics.WorkersRespawnedTotal.Inc()
		s.logger.Error("worker respawned after panic", "mode", mode)
	}
}

// runWorker returns true when the worker exited cleanly.
func (s *Sender) runWorker(ctx context.Context, mode domain.Mode) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panic", "mode", mode, "panic", r)
			done = false
		}
	}()

	ch := s.queues[mode]
	for {
		select {
		case <-ctx.Done():
			return true
		case msg := <-ch:
			s.deliver(ctx, msg)
			metrics.SendQueueDepth.WithLabelValues(string(mode)).Set(float64(len(ch)))
		}
	}
}

// deliver drives one message to a terminal outcome, retrying in place.
func (s *Sender) deliver(ctx context.Context, msg *domain.Message) {
	defer s.release(msg.ID)
	for {
		outcome := s.dispatcher.Dispatch(ctx, msg)
		if outcome != dispatch.OutcomeRetry {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Enqueue runs one message through the pipeline: contact resolution,
// reprioritization, rendering, quota, then the mode queue. Resolved mode,
// destination and rendered content are written back to the store so the
// message row matches what actually goes out.
func (s *Sender) Enqueue(ctx context.Context, msg *domain.Message) error {
	s.track(msg.ID)

	mode, dest := msg.Mode, msg.Destination
	if msg.Mode == "" || msg.Destination == "" {
		if err := s.contacts.Resolve(ctx, msg); err != nil {
			if errors.Is(err, contact.ErrNoContact) {
				s.drop(ctx, msg, "no_contact")
				return nil
			}
			s.release(msg.ID)
			return fmt.Errorf("contact resolution: %w", err)
		}
	}

	s.reprio.Apply(ctx, msg)

	if msg.ID != 0 && (msg.Mode != mode || msg.Destination != dest) {
		if err := s.messages.SetMode(ctx, msg.ID, msg.Mode, msg.Destination); err != nil {
			s.logger.Error("failed to persist resolved mode",
				"message_id", msg.ID, "error", err)
		}
	}

	if err := s.renderer.Render(ctx, msg); err != nil {
		s.logger.Error("render failed", "message_id", msg.ID, "error", err)
	} else if msg.ID != 0 {
		if err := s.messages.SetContent(ctx, msg.ID, msg.Subject, msg.Body); err != nil {
			s.logger.Error("failed to persist rendered content",
				"message_id", msg.ID, "error", err)
		}
	}

	allowed, err := s.quota.AllowSend(ctx, msg)
	if err != nil {
		s.logger.Error("quota check failed",
			"application", msg.Application, "error", err)
	}
	if !allowed {
		s.drop(ctx, msg, "quota")
		return nil
	}

	return s.push(ctx, msg)
}

// Notify delivers an engine-generated message (tracking notifications,
// quota warnings). These arrive with mode and destination already set and
// bypass quota accounting.
func (s *Sender) Notify(ctx context.Context, msg *domain.Message) error {
	return s.push(ctx, msg)
}

func (s *Sender) push(ctx context.Context, msg *domain.Message) error {
	if msg.Mode == domain.ModeDrop {
		s.dispatcher.Dispatch(ctx, msg)
		s.release(msg.ID)
		return nil
	}
	ch, ok := s.queues[msg.Mode]
	if !ok {
		s.release(msg.ID)
		return fmt.Errorf("no delivery queue for mode %q", msg.Mode)
	}
	select {
	case ch <- msg:
		metrics.SendQueueDepth.WithLabelValues(string(msg.Mode)).Set(float64(len(ch)))
		return nil
	case <-ctx.Done():
		s.release(msg.ID)
		return ctx.Err()
	}
}

func (s *Sender) drop(ctx context.Context, msg *domain.Message, reason string) {
	metrics.MessagesDroppedTotal.WithLabelValues(reason).Inc()
	if msg.ID != 0 {
		if err := s.messages.SetState(ctx, msg.ID, domain.MessageStateDropped); err != nil {
			s.logger.Error("failed to mark message dropped",
				"message_id", msg.ID, "error", err)
		}
	}
	s.release(msg.ID)
	s.logger.Info("message dropped",
		"reason", reason, "message_id", msg.ID, "target", msg.Target)
}

// track marks a stored message as in flight so polls skip it.
func (s *Sender) track(id int64) {
	if id == 0 {
		return
	}
	s.mu.Lock()
	s.inflight[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Sender) release(id int64) {
	if id == 0 {
		return
	}
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Sender) inflightSnapshot() map[int64]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[int64]struct{}, len(s.inflight))
	for id := range s.inflight {
		snap[id] = struct{}{}
	}
	return snap
}

// passLoop drives the periodic passes. Only the master runs them; the
// other senders keep their workers hot and wait for the lease.
func (s *Sender) passLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

// RunPass executes one master pass immediately. Exposed for tests and for
// running a pass at startup instead of waiting a full interval.
func (s *Sender) RunPass(ctx context.Context) {
	s.runPass(ctx)
}

func (s *Sender) runPass(ctx context.Context) {
	if !s.coord.IsMaster(ctx) {
		return
	}

	s.task(ctx, "refresh", func(ctx context.Context) error {
		if err := s.plans.Refresh(ctx); err != nil {
			return err
		}
		if err := s.templates.Refresh(ctx); err != nil {
			return err
		}
		if err := s.quota.Refresh(ctx); err != nil {
			return err
		}
		return s.reprio.Refresh(ctx)
	})

	s.pass(ctx, "escalate", s.escalator.Escalate)
	s.pass(ctx, "deactivate", s.escalator.Deactivate)
	s.pass(ctx, "poll", s.poll)
	s.pass(ctx, "aggregate", s.sweep)
}

func (s *Sender) pass(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	if err := fn(ctx); err != nil {
		metrics.TaskFailuresTotal.WithLabelValues(name).Inc()
		s.logger.Error("pass failed", "pass", name, "error", err)
	}
	metrics.PassDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

func (s *Sender) task(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		metrics.TaskFailuresTotal.WithLabelValues(name).Inc()
		s.logger.Error("task failed", "task", name, "error", err)
	}
}

// poll picks up pending messages, offers plan-driven ones to the
// aggregation engine and enqueues the rest.
func (s *Sender) poll(ctx context.Context) error {
	pending, err := s.messages.Pending(ctx, s.inflightSnapshot())
	if err != nil {
		return fmt.Errorf("pending messages: %w", err)
	}

	for _, msg := range pending {
		if !msg.OutOfBand() {
			plan, err := s.plans.Get(ctx, msg.PlanID)
			if err != nil {
				s.logger.Error("plan lookup failed during poll",
					"plan_id", msg.PlanID, "message_id", msg.ID, "error", err)
				continue
			}
			if s.aggregator.Offer(ctx, msg, plan) {
				// Buffered; hold the ID so later polls skip it until
				// the aggregation window releases or drops it.
				s.track(msg.ID)
				continue
			}
		}
		if err := s.Enqueue(ctx, msg); err != nil {
			s.logger.Error("enqueue failed", "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

// sweep releases due aggregation batches and feeds them to delivery.
func (s *Sender) sweep(ctx context.Context) error {
	released, err := s.aggregator.Sweep(ctx)
	if err != nil {
		return err
	}

	for _, id := range released.Done {
		s.release(id)
	}
	for _, msg := range released.Messages {
		if msg.Batch() {
			for _, id := range msg.AggregatedIDs {
				s.release(id)
			}
		} else {
			s.release(msg.ID)
		}
		if err := s.Enqueue(ctx, msg); err != nil {
			s.logger.Error("enqueue of released message failed",
				"message_id", msg.ID, "batch_id", msg.BatchID, "error", err)
		}
	}
	return nil
}

// purgeLoop clears the caches on a slow cadence so retired plans,
// templates and role memberships age out.
func (s *Sender) purgeLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.roles.Purge()
			s.plans.Purge()
			s.templates.Purge()
		}
	}
}

// HandleNotification is the intake queue handler. It decodes the payload,
// expands role targets and enqueues one message per recipient.
func (s *Sender) HandleNotification(ctx context.Context, qmsg *queue.Message) error {
	var n Notification
	if err := json.Unmarshal(qmsg.Value, &n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if err := n.Validate(); err != nil {
		return err
	}
	metrics.NotificationsTotal.Inc()

	recipients := []string{n.Target}
	if n.Role != "" && n.Role != rolelookup.RoleUser {
		recipients, _ = s.roles.Targets(ctx, n.Role, n.Target)
		if len(recipients) == 0 {
			return fmt.Errorf("role %s of %s has no active members", n.Role, n.Target)
		}
	}

	for _, username := range recipients {
		if err := s.Enqueue(ctx, n.message(username)); err != nil {
			s.logger.Error("failed to enqueue notification",
				"application", n.Application, "target", username, "error", err)
		}
	}
	return nil
}

// HandlePeerMessage answers peer delivery calls: the message arrives fully
// resolved and rendered and goes straight to this node's vendors.
func (s *Sender) HandlePeerMessage(ctx context.Context, msg *domain.Message) error {
	return s.dispatcher.DeliverLocal(ctx, msg)
}
