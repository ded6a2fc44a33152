package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"herald/internal/domain"
)

// MessageRepository is an in-memory implementation of store.MessageRepository.
// It stores messages in a map and keeps a per-incident index so escalation
// status rows can be computed without a full scan.
type MessageRepository struct {
	mu sync.RWMutex

	// messages stores all messages by their ID
	messages map[int64]*domain.Message

	// byIncident provides fast lookup of message IDs by incident ID
	byIncident map[int64][]int64

	nextID int64
}

// NewMessageRepository creates a new in-memory message repository.
func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		messages:   make(map[int64]*domain.Message),
		byIncident: make(map[int64][]int64),
	}
}

// Create stores a new message and returns its assigned ID.
func (r *MessageRepository) Create(ctx context.Context, msg *domain.Message) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID

	// Store a copy to prevent external modification
	msgCopy := *msg
	msgCopy.ID = id
	if msgCopy.CreatedAt.IsZero() {
		msgCopy.CreatedAt = time.Now()
	}
	if msgCopy.State == "" {
		msgCopy.State = domain.MessageStateCreated
	}
	r.messages[id] = &msgCopy

	if msgCopy.IncidentID != 0 {
		r.byIncident[msgCopy.IncidentID] = append(r.byIncident[msgCopy.IncidentID], id)
	}

	msg.ID = id
	return id, nil
}

// Get retrieves a message by ID.
func (r *MessageRepository) Get(ctx context.Context, id int64) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, exists := r.messages[id]
	if !exists {
		return nil, domain.ErrMessageNotFound
	}

	result := *msg
	return &result, nil
}

// Pending retrieves unsent, undropped messages awaiting delivery, excluding
// the given in-flight IDs. Results are ordered by ID so retries keep their
// creation order.
func (r *MessageRepository) Pending(ctx context.Context, exclude map[int64]struct{}) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*domain.Message
	for id, msg := range r.messages {
		if _, inflight := exclude[id]; inflight {
			continue
		}
		switch msg.State {
		case domain.MessageStateDispatched, domain.MessageStateDropped, domain.MessageStateFailed:
			continue
		}
		msgCopy := *msg
		results = append(results, &msgCopy)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// MarkSent stamps the messages as dispatched at sentAt.
func (r *MessageRepository) MarkSent(ctx context.Context, sentAt time.Time, ids ...int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		msg, exists := r.messages[id]
		if !exists {
			return domain.ErrMessageNotFound
		}
		at := sentAt
		msg.State = domain.MessageStateDispatched
		msg.SentAt = &at
	}
	return nil
}

// AssignBatch records the batch the messages were released under.
func (r *MessageRepository) AssignBatch(ctx context.Context, batchID string, ids ...int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		msg, exists := r.messages[id]
		if !exists {
			return domain.ErrMessageNotFound
		}
		msg.BatchID = batchID
	}
	return nil
}

// SetState moves a message to the given pipeline state.
func (r *MessageRepository) SetState(ctx context.Context, id int64, state domain.MessageState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, exists := r.messages[id]
	if !exists {
		return domain.ErrMessageNotFound
	}
	msg.State = state
	return nil
}

// SetMode updates the resolved mode and destination of a message.
func (r *MessageRepository) SetMode(ctx context.Context, id int64, mode domain.Mode, destination string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, exists := r.messages[id]
	if !exists {
		return domain.ErrMessageNotFound
	}
	msg.Mode = mode
	msg.Destination = destination
	return nil
}

// SetContent stores the rendered subject and body.
func (r *MessageRepository) SetContent(ctx context.Context, id int64, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, exists := r.messages[id]
	if !exists {
		return domain.ErrMessageNotFound
	}
	msg.Subject = subject
	msg.Body = body
	return nil
}

// notificationAgg is a per-notification message aggregate for one incident.
type notificationAgg struct {
	NotificationID int64
	Count          int
	Last           time.Time
}

// aggregatesFor computes the per-notification message aggregates for an
// incident, in first-seen order.
func (r *MessageRepository) aggregatesFor(incidentID int64) []notificationAgg {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byNotification := make(map[int64]int)
	var results []notificationAgg

	for _, id := range r.byIncident[incidentID] {
		msg := r.messages[id]
		if msg == nil || msg.NotificationID == 0 {
			continue
		}
		idx, exists := byNotification[msg.NotificationID]
		if !exists {
			idx = len(results)
			byNotification[msg.NotificationID] = idx
			results = append(results, notificationAgg{NotificationID: msg.NotificationID})
		}
		results[idx].Count++
		if msg.CreatedAt.After(results[idx].Last) {
			results[idx].Last = msg.CreatedAt
		}
	}

	return results
}

// Clear removes all data from the repository. Useful for test cleanup.
func (r *MessageRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = make(map[int64]*domain.Message)
	r.byIncident = make(map[int64][]int64)
	r.nextID = 0
}
