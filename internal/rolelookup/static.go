package rolelookup

import (
	"context"
	"sync"
)

// StaticBackend is an in-memory role backend seeded from configuration or
// test fixtures. Production deployments point the resolver at the on-call
// scheduling service instead.
type StaticBackend struct {
	mu      sync.RWMutex
	members map[lookupKey][]string
}

// NewStaticBackend creates an empty static backend.
func NewStaticBackend() *StaticBackend {
	return &StaticBackend{members: make(map[lookupKey][]string)}
}

// Put sets the members of a role for a target.
func (b *StaticBackend) Put(role, target string, members ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.members[lookupKey{role, target}] = append([]string(nil), members...)
}

// Lookup resolves a role against a target into usernames. Unknown pairs
// resolve to no members rather than an error.
func (b *StaticBackend) Lookup(ctx context.Context, role, target string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append([]string(nil), b.members[lookupKey{role, target}]...), nil
}

// StaticDirectory is an in-memory user directory.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]bool
}

// NewStaticDirectory creates an empty static directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{users: make(map[string]bool)}
}

// Put records a user and whether they are active.
func (d *StaticDirectory) Put(username string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.users[username] = active
}

// Active reports whether a username is a known, active user.
func (d *StaticDirectory) Active(ctx context.Context, username string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.users[username], nil
}
