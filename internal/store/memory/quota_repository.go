package memory

import (
	"context"
	"sync"

	"herald/internal/domain"
)

// QuotaRepository is an in-memory implementation of store.QuotaRepository.
type QuotaRepository struct {
	mu sync.RWMutex

	// configs stores quota configurations by application
	configs map[string]*domain.QuotaConfig
}

// NewQuotaRepository creates a new in-memory quota repository.
func NewQuotaRepository() *QuotaRepository {
	return &QuotaRepository{
		configs: make(map[string]*domain.QuotaConfig),
	}
}

// Put stores or replaces a quota configuration.
func (r *QuotaRepository) Put(cfg *domain.QuotaConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfgCopy := *cfg
	r.configs[cfg.Application] = &cfgCopy
}

// ListConfigs retrieves every application quota configuration.
func (r *QuotaRepository) ListConfigs(ctx context.Context) ([]*domain.QuotaConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*domain.QuotaConfig
	for _, cfg := range r.configs {
		cfgCopy := *cfg
		results = append(results, &cfgCopy)
	}
	return results, nil
}

// Clear removes all data from the repository. Useful for test cleanup.
func (r *QuotaRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs = make(map[string]*domain.QuotaConfig)
}
