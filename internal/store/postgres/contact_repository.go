package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"herald/internal/domain"
)

// ContactRepository implements store.ContactRepository using PostgreSQL.
// Each method answers one link of the mode precedence chain; the chain
// itself lives in the contact resolver.
type ContactRepository struct {
	db *DB
}

// NewContactRepository creates a new PostgreSQL-backed contact repository.
func NewContactRepository(db *DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Destination retrieves the contact address of a user for a mode.
func (r *ContactRepository) Destination(ctx context.Context, username string, mode domain.Mode) (string, bool, error) {
	query := `
		SELECT destination FROM target_contacts
		WHERE username = $1 AND mode = $2
	`

	var destination string
	err := r.db.pool.QueryRow(ctx, query, username, mode).Scan(&destination)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get destination: %w", err)
	}

	return destination, true, nil
}

// UserAppMode retrieves the user's mode override for an application and
// priority.
func (r *ContactRepository) UserAppMode(ctx context.Context, username, application string, priority domain.Priority) (domain.Mode, bool, error) {
	query := `
		SELECT mode FROM user_app_modes
		WHERE username = $1 AND application = $2 AND priority = $3
	`
	return r.queryMode(ctx, query, username, application, priority)
}

// AppMode retrieves the application's default mode for a priority.
func (r *ContactRepository) AppMode(ctx context.Context, application string, priority domain.Priority) (domain.Mode, bool, error) {
	query := `
		SELECT mode FROM app_modes
		WHERE application = $1 AND priority = $2
	`
	return r.queryMode(ctx, query, application, priority)
}

// UserMode retrieves the user's global default mode for a priority.
func (r *ContactRepository) UserMode(ctx context.Context, username string, priority domain.Priority) (domain.Mode, bool, error) {
	query := `
		SELECT mode FROM user_modes
		WHERE username = $1 AND priority = $2
	`
	return r.queryMode(ctx, query, username, priority)
}

// ModeEnabled reports whether the application permits the mode.
// Applications with no explicit allowlist permit every mode.
func (r *ContactRepository) ModeEnabled(ctx context.Context, application string, mode domain.Mode) (bool, error) {
	query := `
		SELECT
			NOT EXISTS (SELECT 1 FROM app_allowed_modes WHERE application = $1)
			OR EXISTS (SELECT 1 FROM app_allowed_modes WHERE application = $1 AND mode = $2)
	`

	var enabled bool
	err := r.db.pool.QueryRow(ctx, query, application, mode).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("failed to check mode allowlist: %w", err)
	}

	return enabled, nil
}

func (r *ContactRepository) queryMode(ctx context.Context, query string, args ...interface{}) (domain.Mode, bool, error) {
	var mode domain.Mode
	err := r.db.pool.QueryRow(ctx, query, args...).Scan(&mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get mode preference: %w", err)
	}

	return mode, true, nil
}
