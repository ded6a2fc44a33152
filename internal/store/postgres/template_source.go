package postgres

import (
	"context"
	"fmt"

	"herald/internal/domain"
)

// TemplateSource implements store.TemplateSource using PostgreSQL. Template
// content rows are stored per (name, application, mode) and assembled here.
type TemplateSource struct {
	db *DB
}

// NewTemplateSource creates a new PostgreSQL-backed template source.
func NewTemplateSource(db *DB) *TemplateSource {
	return &TemplateSource{db: db}
}

// ListActiveNames retrieves the names of every active template.
func (s *TemplateSource) ListActiveNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT DISTINCT name FROM templates WHERE active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active templates: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan template name: %w", err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// Get retrieves a template by name.
func (s *TemplateSource) Get(ctx context.Context, name string) (*domain.Template, error) {
	query := `
		SELECT application, mode, subject, body
		FROM templates
		WHERE name = $1 AND active
	`

	rows, err := s.db.pool.Query(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query template: %w", err)
	}
	defer rows.Close()

	tpl := &domain.Template{
		Name:         name,
		Applications: make(map[string]map[domain.Mode]domain.TemplateContent),
	}

	for rows.Next() {
		var application string
		var mode domain.Mode
		var content domain.TemplateContent

		err := rows.Scan(&application, &mode, &content.Subject, &content.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template content: %w", err)
		}

		if tpl.Applications[application] == nil {
			tpl.Applications[application] = make(map[domain.Mode]domain.TemplateContent)
		}
		tpl.Applications[application][mode] = content
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read template contents: %w", err)
	}

	if len(tpl.Applications) == 0 {
		return nil, domain.ErrTemplateNotFound
	}

	return tpl, nil
}
