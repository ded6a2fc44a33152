package memory

import (
	"context"
	"sync"
	"time"

	"herald/internal/domain"
	"herald/internal/store"
)

// IncidentRepository is an in-memory implementation of store.IncidentRepository.
// It consults the message repository to build escalation status rows, the way
// the PostgreSQL implementation joins the two tables.
type IncidentRepository struct {
	mu sync.RWMutex

	// incidents stores all incidents by their ID
	incidents map[int64]*domain.Incident

	messages *MessageRepository

	nextID int64
}

// NewIncidentRepository creates a new in-memory incident repository backed by
// the given message repository.
func NewIncidentRepository(messages *MessageRepository) *IncidentRepository {
	return &IncidentRepository{
		incidents: make(map[int64]*domain.Incident),
		messages:  messages,
	}
}

// Create stores a new incident and returns its assigned ID.
func (r *IncidentRepository) Create(ctx context.Context, inc *domain.Incident) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID

	// Store a copy to prevent external modification
	incCopy := *inc
	incCopy.ID = id
	now := time.Now()
	if incCopy.CreatedAt.IsZero() {
		incCopy.CreatedAt = now
	}
	if incCopy.UpdatedAt.IsZero() {
		incCopy.UpdatedAt = incCopy.CreatedAt
	}
	r.incidents[id] = &incCopy

	inc.ID = id
	return id, nil
}

// Get retrieves an incident by ID.
func (r *IncidentRepository) Get(ctx context.Context, id int64) (*domain.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inc, exists := r.incidents[id]
	if !exists {
		return nil, domain.ErrIncidentNotFound
	}

	result := *inc
	return &result, nil
}

// Active retrieves all active incidents.
func (r *IncidentRepository) Active(ctx context.Context) ([]*domain.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*domain.Incident
	for _, inc := range r.incidents {
		if !inc.Active {
			continue
		}
		incCopy := *inc
		results = append(results, &incCopy)
	}
	return results, nil
}

// NewlyActive retrieves active incidents still at step 0.
func (r *IncidentRepository) NewlyActive(ctx context.Context) ([]*domain.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*domain.Incident
	for _, inc := range r.incidents {
		if !inc.Active || inc.CurrentStep != 0 {
			continue
		}
		incCopy := *inc
		results = append(results, &incCopy)
	}
	return results, nil
}

// PendingEscalations returns the escalation status rows for every active
// incident past step 0.
func (r *IncidentRepository) PendingEscalations(ctx context.Context) ([]store.EscalationStatus, error) {
	r.mu.RLock()
	active := make([]*domain.Incident, 0, len(r.incidents))
	for _, inc := range r.incidents {
		if inc.Active && inc.CurrentStep > 0 {
			incCopy := *inc
			active = append(active, &incCopy)
		}
	}
	r.mu.RUnlock()

	var results []store.EscalationStatus
	for _, inc := range active {
		for _, agg := range r.messages.aggregatesFor(inc.ID) {
			results = append(results, store.EscalationStatus{
				IncidentID:     inc.ID,
				PlanID:         inc.PlanID,
				CurrentStep:    inc.CurrentStep,
				NotificationID: agg.NotificationID,
				SentCount:      agg.Count,
				LastCreatedAt:  agg.Last,
			})
		}
	}
	return results, nil
}

// SetStep moves an incident to the given plan step.
func (r *IncidentRepository) SetStep(ctx context.Context, id int64, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inc, exists := r.incidents[id]
	if !exists {
		return domain.ErrIncidentNotFound
	}
	inc.CurrentStep = step
	inc.UpdatedAt = time.Now()
	return nil
}

// Deactivate marks an incident inactive without assigning an owner.
func (r *IncidentRepository) Deactivate(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inc, exists := r.incidents[id]
	if !exists {
		return domain.ErrIncidentNotFound
	}
	inc.Active = false
	inc.UpdatedAt = time.Now()
	return nil
}

// LatestForPlan retrieves the most recently created incident against the
// given plan.
func (r *IncidentRepository) LatestForPlan(ctx context.Context, planID int64) (*domain.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *domain.Incident
	for _, inc := range r.incidents {
		if inc.PlanID != planID {
			continue
		}
		if latest == nil || inc.CreatedAt.After(latest.CreatedAt) ||
			(inc.CreatedAt.Equal(latest.CreatedAt) && inc.ID > latest.ID) {
			latest = inc
		}
	}
	if latest == nil {
		return nil, domain.ErrIncidentNotFound
	}

	result := *latest
	return &result, nil
}

// Claim marks an incident claimed by the given owner. Claims normally arrive
// through the API layer; this exists for tests and local tooling.
func (r *IncidentRepository) Claim(ctx context.Context, id int64, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inc, exists := r.incidents[id]
	if !exists {
		return domain.ErrIncidentNotFound
	}
	inc.Active = false
	inc.Owner = owner
	inc.UpdatedAt = time.Now()
	return nil
}

// Clear removes all data from the repository. Useful for test cleanup.
func (r *IncidentRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.incidents = make(map[int64]*domain.Incident)
	r.nextID = 0
}
