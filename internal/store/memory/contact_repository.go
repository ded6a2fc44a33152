package memory

import (
	"context"
	"sync"

	"herald/internal/domain"
)

type modeKey struct {
	user        string
	application string
	priority    domain.Priority
}

// ContactRepository is an in-memory implementation of store.ContactRepository.
// Each map answers one link of the contact precedence chain.
type ContactRepository struct {
	mu sync.RWMutex

	// destinations maps (user, mode) to a contact address
	destinations map[string]map[domain.Mode]string

	// userAppModes holds per-application user overrides
	userAppModes map[modeKey]domain.Mode

	// appModes holds application defaults (user field empty in the key)
	appModes map[modeKey]domain.Mode

	// userModes holds user global defaults (application field empty)
	userModes map[modeKey]domain.Mode

	// allowedModes holds per-application mode allowlists; applications
	// without an entry permit every mode
	allowedModes map[string]map[domain.Mode]bool
}

// NewContactRepository creates a new in-memory contact repository.
func NewContactRepository() *ContactRepository {
	return &ContactRepository{
		destinations: make(map[string]map[domain.Mode]string),
		userAppModes: make(map[modeKey]domain.Mode),
		appModes:     make(map[modeKey]domain.Mode),
		userModes:    make(map[modeKey]domain.Mode),
		allowedModes: make(map[string]map[domain.Mode]bool),
	}
}

// PutDestination stores a contact address for a user and mode.
func (r *ContactRepository) PutDestination(username string, mode domain.Mode, destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destinations[username] == nil {
		r.destinations[username] = make(map[domain.Mode]string)
	}
	r.destinations[username][mode] = destination
}

// PutUserAppMode stores a per-application mode override for a user.
func (r *ContactRepository) PutUserAppMode(username, application string, priority domain.Priority, mode domain.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.userAppModes[modeKey{username, application, priority}] = mode
}

// PutAppMode stores an application default mode for a priority.
func (r *ContactRepository) PutAppMode(application string, priority domain.Priority, mode domain.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.appModes[modeKey{"", application, priority}] = mode
}

// PutUserMode stores a user's global default mode for a priority.
func (r *ContactRepository) PutUserMode(username string, priority domain.Priority, mode domain.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.userModes[modeKey{username, "", priority}] = mode
}

// SetAllowedModes restricts an application to the given modes.
func (r *ContactRepository) SetAllowedModes(application string, modes ...domain.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	allowed := make(map[domain.Mode]bool, len(modes))
	for _, m := range modes {
		allowed[m] = true
	}
	r.allowedModes[application] = allowed
}

// Destination retrieves the contact address of a user for a mode.
func (r *ContactRepository) Destination(ctx context.Context, username string, mode domain.Mode) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dest, exists := r.destinations[username][mode]
	return dest, exists, nil
}

// UserAppMode retrieves the user's mode override for an application and
// priority.
func (r *ContactRepository) UserAppMode(ctx context.Context, username, application string, priority domain.Priority) (domain.Mode, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mode, exists := r.userAppModes[modeKey{username, application, priority}]
	return mode, exists, nil
}

// AppMode retrieves the application's default mode for a priority.
func (r *ContactRepository) AppMode(ctx context.Context, application string, priority domain.Priority) (domain.Mode, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mode, exists := r.appModes[modeKey{"", application, priority}]
	return mode, exists, nil
}

// UserMode retrieves the user's global default mode for a priority.
func (r *ContactRepository) UserMode(ctx context.Context, username string, priority domain.Priority) (domain.Mode, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mode, exists := r.userModes[modeKey{username, "", priority}]
	return mode, exists, nil
}

// ModeEnabled reports whether the application permits the mode. Applications
// with no explicit allowlist permit every mode.
func (r *ContactRepository) ModeEnabled(ctx context.Context, application string, mode domain.Mode) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allowed, exists := r.allowedModes[application]
	if !exists {
		return true, nil
	}
	return allowed[mode], nil
}

// Clear removes all data from the repository. Useful for test cleanup.
func (r *ContactRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.destinations = make(map[string]map[domain.Mode]string)
	r.userAppModes = make(map[modeKey]domain.Mode)
	r.appModes = make(map[modeKey]domain.Mode)
	r.userModes = make(map[modeKey]domain.Mode)
	r.allowedModes = make(map[string]map[domain.Mode]bool)
}
