package memory

import (
	"context"
	"sync"

	"herald/internal/domain"
)

// ReprioritizationRepository is an in-memory implementation of
// store.ReprioritizationRepository.
type ReprioritizationRepository struct {
	mu sync.RWMutex

	rules []*domain.ReprioritizationRule
}

// NewReprioritizationRepository creates a new in-memory reprioritization
// repository.
func NewReprioritizationRepository() *ReprioritizationRepository {
	return &ReprioritizationRepository{}
}

// Put appends a reprioritization rule.
func (r *ReprioritizationRepository) Put(rule *domain.ReprioritizationRule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ruleCopy := *rule
	r.rules = append(r.rules, &ruleCopy)
}

// ListRules retrieves every reprioritization rule.
func (r *ReprioritizationRepository) ListRules(ctx context.Context) ([]*domain.ReprioritizationRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*domain.ReprioritizationRule, 0, len(r.rules))
	for _, rule := range r.rules {
		ruleCopy := *rule
		results = append(results, &ruleCopy)
	}
	return results, nil
}

// Clear removes all data from the repository. Useful for test cleanup.
func (r *ReprioritizationRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rules = nil
}
