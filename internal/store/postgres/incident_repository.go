package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"herald/internal/domain"
	"herald/internal/store"
)

// IncidentRepository implements store.IncidentRepository using PostgreSQL.
type IncidentRepository struct {
	db *DB
}

// NewIncidentRepository creates a new PostgreSQL-backed incident repository.
func NewIncidentRepository(db *DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

const incidentColumns = `
	id, plan_id, application, context, current_step, active, owner,
	dynamic_targets, created_at, updated_at
`

// Create stores a new incident and returns its ID.
func (r *IncidentRepository) Create(ctx context.Context, inc *domain.Incident) (int64, error) {
	query := `
		INSERT INTO incidents (
			plan_id, application, context, current_step, active, owner,
			dynamic_targets, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	now := time.Now()
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	inc.UpdatedAt = now

	err := r.db.pool.QueryRow(ctx, query,
		inc.PlanID,
		inc.Application,
		inc.Context,
		inc.CurrentStep,
		inc.Active,
		nullableString(inc.Owner),
		inc.DynamicTargets,
		inc.CreatedAt,
		inc.UpdatedAt,
	).Scan(&inc.ID)

	if err != nil {
		return 0, fmt.Errorf("failed to create incident: %w", err)
	}

	return inc.ID, nil
}

// Get retrieves an incident by ID.
func (r *IncidentRepository) Get(ctx context.Context, id int64) (*domain.Incident, error) {
	query := fmt.Sprintf(`SELECT %s FROM incidents WHERE id = $1`, incidentColumns)

	inc, err := scanIncident(r.db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	return inc, nil
}

// Active retrieves all active incidents.
func (r *IncidentRepository) Active(ctx context.Context) ([]*domain.Incident, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM incidents WHERE active ORDER BY id
	`, incidentColumns)

	return r.list(ctx, query)
}

// NewlyActive retrieves active incidents still at step 0.
func (r *IncidentRepository) NewlyActive(ctx context.Context) ([]*domain.Incident, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM incidents WHERE active AND current_step = 0 ORDER BY id
	`, incidentColumns)

	return r.list(ctx, query)
}

// PendingEscalations returns one aggregate row per (active incident past
// step 0, current-step plan notification): how many messages exist for the
// pair and when the newest was created.
func (r *IncidentRepository) PendingEscalations(ctx context.Context) ([]store.EscalationStatus, error) {
	query := `
		SELECT i.id, i.plan_id, i.current_step, n.id,
			   COUNT(m.id),
			   COALESCE(MAX(m.created_at), to_timestamp(0))
		FROM incidents i
		JOIN plan_notifications n
			ON n.plan_id = i.plan_id AND n.step = i.current_step
		LEFT JOIN messages m
			ON m.incident_id = i.id AND m.notification_id = n.id
		WHERE i.active AND i.current_step > 0
		GROUP BY i.id, i.plan_id, i.current_step, n.id
		ORDER BY i.id, n.id
	`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending escalations: %w", err)
	}
	defer rows.Close()

	var statuses []store.EscalationStatus
	for rows.Next() {
		var s store.EscalationStatus
		err := rows.Scan(&s.IncidentID, &s.PlanID, &s.CurrentStep,
			&s.NotificationID, &s.SentCount, &s.LastCreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation status: %w", err)
		}
		statuses = append(statuses, s)
	}

	return statuses, rows.Err()
}

// SetStep moves an incident to the given plan step.
func (r *IncidentRepository) SetStep(ctx context.Context, id int64, step int) error {
	query := `UPDATE incidents SET current_step = $2, updated_at = $3 WHERE id = $1`

	result, err := r.db.pool.Exec(ctx, query, id, step, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set incident step: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrIncidentNotFound
	}

	return nil
}

// Deactivate marks an incident inactive without assigning an owner.
func (r *IncidentRepository) Deactivate(ctx context.Context, id int64) error {
	query := `UPDATE incidents SET active = FALSE, updated_at = $2 WHERE id = $1`

	result, err := r.db.pool.Exec(ctx, query, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to deactivate incident: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrIncidentNotFound
	}

	return nil
}

// LatestForPlan retrieves the most recently created incident against the
// given plan.
func (r *IncidentRepository) LatestForPlan(ctx context.Context, planID int64) (*domain.Incident, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM incidents
		WHERE plan_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, incidentColumns)

	inc, err := scanIncident(r.db.pool.QueryRow(ctx, query, planID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("failed to get latest incident for plan: %w", err)
	}

	return inc, nil
}

func (r *IncidentRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.Incident, error) {
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}

	return incidents, rows.Err()
}

// scanIncident scans a single incident from a row.
func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var inc domain.Incident
	var owner *string

	err := row.Scan(
		&inc.ID,
		&inc.PlanID,
		&inc.Application,
		&inc.Context,
		&inc.CurrentStep,
		&inc.Active,
		&owner,
		&inc.DynamicTargets,
		&inc.CreatedAt,
		&inc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if owner != nil {
		inc.Owner = *owner
	}

	return &inc, nil
}

// nullableString converts an empty string to nil for nullable columns.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
