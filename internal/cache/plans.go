// Package cache holds read-through caches for plans and templates. The
// escalation passes hit plans constantly, so both caches are refreshed on an
// interval by the sender loop and fall back to the source on a miss.
package cache

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"herald/internal/domain"
	"herald/internal/store"
)

// refreshConcurrency bounds parallel source fetches during a refresh.
const refreshConcurrency = 30

// Plans is a read-through plan cache.
type Plans struct {
	source store.PlanSource
	logger *slog.Logger

	mu     sync.RWMutex
	byID   map[int64]*domain.Plan
	byName map[string]*domain.Plan
}

// NewPlans creates a plan cache over the given source.
func NewPlans(source store.PlanSource, logger *slog.Logger) *Plans {
	return &Plans{
		source: source,
		logger: logger,
		byID:   make(map[int64]*domain.Plan),
		byName: make(map[string]*domain.Plan),
	}
}

// Refresh reloads every active plan from the source and swaps the cache.
// Retired plans cached by a previous Get are dropped; open incidents
// referencing them will fault them back in on demand.
func (c *Plans) Refresh(ctx context.Context) error {
	ids, err := c.source.ListActiveIDs(ctx)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		byID   = make(map[int64]*domain.Plan, len(ids))
		byName = make(map[string]*domain.Plan, len(ids))
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			plan, err := c.source.Get(ctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			byID[plan.ID] = plan
			byName[plan.Name] = plan
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	c.byID = byID
	c.byName = byName
	c.mu.Unlock()

	c.logger.Debug("plan cache refreshed", "plans", len(byID))
	return nil
}

// Get retrieves a plan by ID, faulting it in from the source on a miss.
func (c *Plans) Get(ctx context.Context, id int64) (*domain.Plan, error) {
	c.mu.RLock()
	plan, exists := c.byID[id]
	c.mu.RUnlock()
	if exists {
		return plan, nil
	}

	plan, err := c.source.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byID[plan.ID] = plan
	c.mu.Unlock()
	return plan, nil
}

// FindActiveByName retrieves the active plan with the given name, falling
// back to the source on a miss.
func (c *Plans) FindActiveByName(ctx context.Context, name string) (*domain.Plan, error) {
	c.mu.RLock()
	plan, exists := c.byName[name]
	c.mu.RUnlock()
	if exists {
		return plan, nil
	}

	plan, err := c.source.FindActiveByName(ctx, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byID[plan.ID] = plan
	c.byName[plan.Name] = plan
	c.mu.Unlock()
	return plan, nil
}

// Purge drops every cached plan.
func (c *Plans) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byID = make(map[int64]*domain.Plan)
	c.byName = make(map[string]*domain.Plan)
}
