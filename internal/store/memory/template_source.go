package memory

import (
	"context"
	"sync"

	"herald/internal/domain"
)

// TemplateSource is an in-memory implementation of store.TemplateSource.
type TemplateSource struct {
	mu sync.RWMutex

	// templates stores all templates by name
	templates map[string]*domain.Template
}

// NewTemplateSource creates a new in-memory template source.
func NewTemplateSource() *TemplateSource {
	return &TemplateSource{
		templates: make(map[string]*domain.Template),
	}
}

// Put stores or replaces a template.
func (s *TemplateSource) Put(tpl *domain.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tplCopy := *tpl
	s.templates[tpl.Name] = &tplCopy
}

// ListActiveNames retrieves the names of every template.
func (s *TemplateSource) ListActiveNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []string
	for name := range s.templates {
		results = append(results, name)
	}
	return results, nil
}

// Get retrieves a template by name.
func (s *TemplateSource) Get(ctx context.Context, name string) (*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, exists := s.templates[name]
	if !exists {
		return nil, domain.ErrTemplateNotFound
	}

	result := *tpl
	return &result, nil
}

// Clear removes all data from the source. Useful for test cleanup.
func (s *TemplateSource) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.templates = make(map[string]*domain.Template)
}
