// Package aggregation detects notification bursts and batches them. Messages
// sharing a (plan, application, priority, target) key are counted against the
// plan's threshold; once it trips, further messages are buffered and released
// as periodic batch summaries until the key goes quiet.
package aggregation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/domain"
	"herald/internal/metrics"
	"herald/internal/store"
)

// bucket tracks one aggregation key.
type bucket struct {
	// timestamps of recent sends inside the threshold window
	timestamps []time.Time

	aggregating  bool
	buffered     []int64
	lastActivity time.Time
	windowStart  time.Time

	// plan parameters captured at offer time
	window    time.Duration
	reset     time.Duration
	threshold int
	planName  string
}

// Released is the outcome of a sweep: messages to enqueue and original
// message IDs that reached a terminal state inside the sweep.
type Released struct {
	Messages []*domain.Message
	Done     []int64
}

// Engine buffers and releases burst messages.
type Engine struct {
	messages  store.MessageRepository
	incidents store.IncidentRepository
	audit     store.AuditLog
	logger    *slog.Logger

	mu      sync.Mutex
	buckets map[domain.AggregationKey]*bucket

	now func() time.Time
}

// NewEngine creates an aggregation engine.
func NewEngine(
	messages store.MessageRepository,
	incidents store.IncidentRepository,
	audit store.AuditLog,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		messages:  messages,
		incidents: incidents,
		audit:     audit,
		logger:    logger,
		buckets:   make(map[domain.AggregationKey]*bucket),
		now:       time.Now,
	}
}

// Offer shows a message to the engine before dispatch. It returns true when
// the message was buffered for a later batch and must not be sent now.
func (e *Engine) Offer(ctx context.Context, msg *domain.Message, plan *domain.Plan) bool {
	key, ok := msg.AggregationKey()
	if !ok {
		return false
	}
	if plan == nil || plan.ThresholdCount <= 0 || plan.ThresholdWindow <= 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	b, exists := e.buckets[key]
	if !exists {
		b = &bucket{}
		e.buckets[key] = b
	}

	// A quiet gap longer than the reset ends the burst even between sweeps:
	// this message is evaluated fresh under detection. Anything still
	// buffered goes out on the next sweep.
	if b.aggregating && b.reset > 0 && now.Sub(b.lastActivity) > b.reset {
		b.aggregating = false
		b.timestamps = nil
		e.logger.Info("aggregation reset",
			"plan", plan.Name, "application", key.Application, "target", key.Target)
	}

	b.window = plan.AggregationWindow
	b.reset = plan.AggregationReset
	b.threshold = plan.ThresholdCount
	b.planName = plan.Name
	b.lastActivity = now

	if b.aggregating {
		b.buffered = append(b.buffered, msg.ID)
		metrics.MessagesBuffered.Inc()
		return true
	}

	// Slide the detection window.
	cutoff := now.Add(-plan.ThresholdWindow)
	kept := b.timestamps[:0]
	for _, ts := range b.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.timestamps = append(kept, now)

	if len(b.timestamps) <= plan.ThresholdCount {
		return false
	}

	// Burst detected: this message opens the first batch.
	b.aggregating = true
	b.timestamps = nil
	b.windowStart = now
	b.buffered = append(b.buffered, msg.ID)
	metrics.AggregationsStartedTotal.Inc()
	metrics.MessagesBuffered.Inc()
	e.logger.Info("aggregation started",
		"plan", plan.Name, "application", key.Application,
		"target", key.Target, "priority", key.Priority)
	return true
}

// Sweep releases due batches and reverts quiet keys to burst detection.
// It is meant to run once per sender interval.
func (e *Engine) Sweep(ctx context.Context) (*Released, error) {
	e.mu.Lock()
	now := e.now()

	type due struct {
		key      domain.AggregationKey
		ids      []int64
		planName string
	}
	var dues []due

	for key, b := range e.buckets {
		if !b.aggregating {
			// A burst that ended at offer time can leave messages behind;
			// flush them now.
			if len(b.buffered) > 0 {
				dues = append(dues, due{key: key, ids: b.buffered, planName: b.planName})
				metrics.MessagesBuffered.Sub(float64(len(b.buffered)))
				b.buffered = nil
			}
			// Forget keys with no recent activity at all.
			if len(b.timestamps) == 0 && now.Sub(b.lastActivity) > b.reset {
				delete(e.buckets, key)
			}
			continue
		}

		quiet := b.reset > 0 && now.Sub(b.lastActivity) >= b.reset
		windowDue := b.window <= 0 || now.Sub(b.windowStart) >= b.window

		if quiet || windowDue {
			dues = append(dues, due{key: key, ids: b.buffered, planName: b.planName})
			metrics.MessagesBuffered.Sub(float64(len(b.buffered)))
			b.buffered = nil
			b.windowStart = now
			if quiet {
				// The burst is over; next messages go out directly.
				b.aggregating = false
				e.logger.Info("aggregation reset",
					"plan", b.planName, "application", key.Application, "target", key.Target)
			}
		}
	}
	e.mu.Unlock()

	released := &Released{}
	for _, d := range dues {
		if err := e.release(ctx, d.key, d.planName, d.ids, released); err != nil {
			return released, err
		}
	}
	return released, nil
}

// release turns a set of buffered message IDs into something to send. IDs
// whose incident went inactive while buffered are dropped with an audit
// entry. One survivor goes out as itself; several go out as a batch summary.
func (e *Engine) release(ctx context.Context, key domain.AggregationKey, planName string, ids []int64, out *Released) error {
	if len(ids) == 0 {
		return nil
	}

	var live []*domain.Message
	for _, id := range ids {
		msg, err := e.messages.Get(ctx, id)
		if err != nil {
			return err
		}
		active := true
		if msg.IncidentID != 0 {
			inc, err := e.incidents.Get(ctx, msg.IncidentID)
			if err != nil {
				return err
			}
			active = inc.Active
		}
		if !active {
			if err := e.dropStale(ctx, msg); err != nil {
				return err
			}
			out.Done = append(out.Done, id)
			continue
		}
		live = append(live, msg)
	}

	switch len(live) {
	case 0:
		return nil
	case 1:
		out.Messages = append(out.Messages, live[0])
		return nil
	}

	batchID := uuid.NewString()
	liveIDs := make([]int64, len(live))
	for i, msg := range live {
		liveIDs[i] = msg.ID
	}
	if err := e.messages.AssignBatch(ctx, batchID, liveIDs...); err != nil {
		return err
	}
	if err := e.messages.MarkSent(ctx, e.now(), liveIDs...); err != nil {
		return err
	}
	out.Done = append(out.Done, liveIDs...)

	batch := &domain.Message{
		PlanID:        key.PlanID,
		PlanName:      planName,
		Application:   key.Application,
		Priority:      key.Priority,
		Target:        key.Target,
		BatchID:       batchID,
		AggregatedIDs: liveIDs,
		State:         domain.MessageStateCreated,
	}
	if _, err := e.messages.Create(ctx, batch); err != nil {
		return err
	}
	out.Messages = append(out.Messages, batch)
	metrics.BatchesReleasedTotal.Inc()
	e.logger.Info("batch released",
		"plan", planName, "target", key.Target, "batch_id", batchID, "size", len(liveIDs))
	return nil
}

// dropStale discards a buffered message whose incident resolved while it
// waited, leaving a trace in the audit log.
func (e *Engine) dropStale(ctx context.Context, msg *domain.Message) error {
	if err := e.messages.SetState(ctx, msg.ID, domain.MessageStateDropped); err != nil {
		return err
	}
	metrics.MessagesDroppedTotal.WithLabelValues("incident_inactive").Inc()
	err := e.audit.Record(ctx, &domain.MessageChange{
		MessageID:   msg.ID,
		ChangeType:  domain.ChangeTypeSent,
		Old:         string(domain.MessageStateCreated),
		New:         string(domain.MessageStateDropped),
		Description: "incident went inactive while the message was buffered for aggregation",
	})
	if err != nil {
		e.logger.Error("failed to record buffered drop", "message_id", msg.ID, "error", err)
	}
	return nil
}
