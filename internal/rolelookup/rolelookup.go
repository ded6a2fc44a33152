// Package rolelookup resolves (role, target) pairs from plan notifications
// into concrete usernames. Lookups are memoized between purges because the
// escalation pass resolves the same on-call roles over and over.
package rolelookup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"herald/internal/metrics"
)

// RoleUser is the passthrough role: the target already is a username.
const RoleUser = "user"

// Backend answers role membership questions, typically against an external
// on-call scheduling service.
type Backend interface {
	// Lookup resolves a role against a target into usernames, e.g.
	// ("oncall-primary", "infra") into the people currently on call.
	Lookup(ctx context.Context, role, target string) ([]string, error)
}

// UserDirectory reports whether a username is an active user. Resolved
// names that are no longer active are pruned from lookup results.
type UserDirectory interface {
	Active(ctx context.Context, username string) (bool, error)
}

type lookupKey struct {
	role   string
	target string
}

// Resolver memoizes role lookups and prunes inactive users.
type Resolver struct {
	backend   Backend
	directory UserDirectory
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[lookupKey][]string
}

// NewResolver creates a resolver over the given backend and directory.
func NewResolver(backend Backend, directory UserDirectory, logger *slog.Logger) *Resolver {
	return &Resolver{
		backend:   backend,
		directory: directory,
		logger:    logger,
		cache:     make(map[lookupKey][]string),
	}
}

// Targets resolves a (role, target) pair into active usernames. The result
// may be empty when every member is inactive; the caller decides whether
// that is an error.
func (r *Resolver) Targets(ctx context.Context, role, target string) ([]string, error) {
	// The user role needs no backend round trip.
	if role == RoleUser {
		active, err := r.directory.Active(ctx, target)
		if err != nil {
			metrics.RoleLookupFailuresTotal.Inc()
			return nil, fmt.Errorf("check user %q: %w", target, err)
		}
		if !active {
			metrics.TargetsNotFoundTotal.Inc()
			r.logger.Warn("target is not an active user", "target", target)
			return nil, nil
		}
		return []string{target}, nil
	}

	key := lookupKey{role, target}
	r.mu.Lock()
	cached, exists := r.cache[key]
	r.mu.Unlock()
	if exists {
		return cached, nil
	}

	members, err := r.backend.Lookup(ctx, role, target)
	if err != nil {
		metrics.RoleLookupFailuresTotal.Inc()
		return nil, fmt.Errorf("lookup role %q for %q: %w", role, target, err)
	}

	usernames := make([]string, 0, len(members))
	for _, username := range members {
		active, err := r.directory.Active(ctx, username)
		if err != nil {
			metrics.RoleLookupFailuresTotal.Inc()
			return nil, fmt.Errorf("check user %q: %w", username, err)
		}
		if !active {
			metrics.TargetsNotFoundTotal.Inc()
			r.logger.Warn("pruning inactive user from role",
				"user", username, "role", role, "target", target)
			continue
		}
		usernames = append(usernames, username)
	}

	// Empty results are cached too; retrying within the same pass will
	// not make anyone appear on call.
	r.mu.Lock()
	r.cache[key] = usernames
	r.mu.Unlock()
	return usernames, nil
}

// Purge drops the memoized lookups so the next pass sees fresh rotations.
func (r *Resolver) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache = make(map[lookupKey][]string)
}
