package memory

import (
	"context"
	"sync"

	"herald/internal/domain"
)

// PlanSource is an in-memory implementation of store.PlanSource. Plans are
// seeded through Put; the engine only reads them.
type PlanSource struct {
	mu sync.RWMutex

	// plans stores all plans by their ID
	plans map[int64]*domain.Plan

	// byName provides fast lookup of active plans by name
	byName map[string]int64

	// inactive tracks plan IDs that have been retired
	inactive map[int64]struct{}
}

// NewPlanSource creates a new in-memory plan source.
func NewPlanSource() *PlanSource {
	return &PlanSource{
		plans:    make(map[int64]*domain.Plan),
		byName:   make(map[string]int64),
		inactive: make(map[int64]struct{}),
	}
}

// Put stores or replaces a plan. A plan with the same name as an existing
// active plan supersedes it.
func (s *PlanSource) Put(plan *domain.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	planCopy := *plan
	s.plans[plan.ID] = &planCopy
	if prev, exists := s.byName[plan.Name]; exists && prev != plan.ID {
		s.inactive[prev] = struct{}{}
	}
	s.byName[plan.Name] = plan.ID
}

// Retire marks a plan inactive without removing it; incidents already
// referencing it can still fetch it by ID.
func (s *PlanSource) Retire(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inactive[id] = struct{}{}
	if plan, exists := s.plans[id]; exists && s.byName[plan.Name] == id {
		delete(s.byName, plan.Name)
	}
}

// ListActiveIDs retrieves the IDs of every active plan.
func (s *PlanSource) ListActiveIDs(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []int64
	for id := range s.plans {
		if _, retired := s.inactive[id]; retired {
			continue
		}
		results = append(results, id)
	}
	return results, nil
}

// Get retrieves a plan by ID, active or not.
func (s *PlanSource) Get(ctx context.Context, id int64) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, exists := s.plans[id]
	if !exists {
		return nil, domain.ErrPlanNotFound
	}

	result := *plan
	return &result, nil
}

// FindActiveByName retrieves the active plan with the given name.
func (s *PlanSource) FindActiveByName(ctx context.Context, name string) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byName[name]
	if !exists {
		return nil, domain.ErrPlanNotFound
	}

	result := *s.plans[id]
	return &result, nil
}

// Clear removes all data from the source. Useful for test cleanup.
func (s *PlanSource) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plans = make(map[int64]*domain.Plan)
	s.byName = make(map[string]int64)
	s.inactive = make(map[int64]struct{})
}
