// Package vendors abstracts the delivery providers behind each mode. A
// transport takes a fully resolved message (mode, destination, content) and
// hands it to the outside world.
package vendors

import (
	"context"
	"fmt"
	"sync"

	"herald/internal/domain"
)

// Transport delivers messages for one mode.
type Transport interface {
	// Mode is the delivery mode this transport serves.
	Mode() domain.Mode

	// Send delivers the message. An error means the send may be retried.
	Send(ctx context.Context, msg *domain.Message) error
}

// Registry maps modes to their transports.
type Registry struct {
	mu     sync.RWMutex
	byMode map[domain.Mode]Transport
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{byMode: make(map[domain.Mode]Transport)}
}

// Register adds a transport, replacing any previous one for its mode.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byMode[t.Mode()] = t
}

// For returns the transport for a mode.
func (r *Registry) For(mode domain.Mode) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.byMode[mode]
	if !exists {
		return nil, fmt.Errorf("no transport registered for mode %q", mode)
	}
	return t, nil
}
