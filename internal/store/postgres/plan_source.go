package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"herald/internal/domain"
)

// PlanSource implements store.PlanSource using PostgreSQL. Plans are
// read-only to the engine; writes belong to the API layer.
type PlanSource struct {
	db *DB
}

// NewPlanSource creates a new PostgreSQL-backed plan source.
func NewPlanSource(db *DB) *PlanSource {
	return &PlanSource{db: db}
}

// ListActiveIDs retrieves the IDs of every active plan.
func (s *PlanSource) ListActiveIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT id FROM plans WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active plans: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan plan id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// Get retrieves a plan by ID, including retired plans still referenced by
// open incidents.
func (s *PlanSource) Get(ctx context.Context, id int64) (*domain.Plan, error) {
	query := `
		SELECT id, name, creator, threshold_window_sec, threshold_count,
			   aggregation_window_sec, aggregation_reset_sec,
			   tracking_type, tracking_key, tracking_templates
		FROM plans
		WHERE id = $1
	`

	plan, err := s.scanPlan(s.db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	if err := s.loadSteps(ctx, plan); err != nil {
		return nil, err
	}

	return plan, nil
}

// FindActiveByName retrieves the active plan with the given name.
func (s *PlanSource) FindActiveByName(ctx context.Context, name string) (*domain.Plan, error) {
	query := `
		SELECT id, name, creator, threshold_window_sec, threshold_count,
			   aggregation_window_sec, aggregation_reset_sec,
			   tracking_type, tracking_key, tracking_templates
		FROM plans
		WHERE name = $1 AND active
		ORDER BY id DESC
		LIMIT 1
	`

	plan, err := s.scanPlan(s.db.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to find plan by name: %w", err)
	}

	if err := s.loadSteps(ctx, plan); err != nil {
		return nil, err
	}

	return plan, nil
}

func (s *PlanSource) scanPlan(row pgx.Row) (*domain.Plan, error) {
	var plan domain.Plan
	var thresholdWindowSec, aggWindowSec, aggResetSec int64
	var trackingType, trackingKey *string

	err := row.Scan(
		&plan.ID,
		&plan.Name,
		&plan.Creator,
		&thresholdWindowSec,
		&plan.ThresholdCount,
		&aggWindowSec,
		&aggResetSec,
		&trackingType,
		&trackingKey,
		&plan.TrackingTemplates,
	)
	if err != nil {
		return nil, err
	}

	plan.ThresholdWindow = time.Duration(thresholdWindowSec) * time.Second
	plan.AggregationWindow = time.Duration(aggWindowSec) * time.Second
	plan.AggregationReset = time.Duration(aggResetSec) * time.Second
	if trackingType != nil {
		plan.TrackingType = domain.Mode(*trackingType)
	}
	if trackingKey != nil {
		plan.TrackingKey = *trackingKey
	}

	return &plan, nil
}

// loadSteps fetches the plan notifications and arranges them into steps.
func (s *PlanSource) loadSteps(ctx context.Context, plan *domain.Plan) error {
	query := `
		SELECT id, plan_id, step, role, target, dynamic_index, priority,
			   template, repeat, wait_sec, optional
		FROM plan_notifications
		WHERE plan_id = $1
		ORDER BY step, id
	`

	rows, err := s.db.pool.Query(ctx, query, plan.ID)
	if err != nil {
		return fmt.Errorf("failed to query plan notifications: %w", err)
	}
	defer rows.Close()

	maxStep := 0
	var notifications []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		var role, target, template *string
		var waitSec int64

		err := rows.Scan(&n.ID, &n.PlanID, &n.Step, &role, &target,
			&n.DynamicIndex, &n.Priority, &template, &n.Repeat,
			&waitSec, &n.Optional)
		if err != nil {
			return fmt.Errorf("failed to scan plan notification: %w", err)
		}

		if role != nil {
			n.Role = *role
		}
		if target != nil {
			n.Target = *target
		}
		if template != nil {
			n.TemplateName = *template
		}
		n.Wait = time.Duration(waitSec) * time.Second

		if n.Step > maxStep {
			maxStep = n.Step
		}
		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read plan notifications: %w", err)
	}

	plan.Steps = make([][]*domain.Notification, maxStep)
	for _, n := range notifications {
		plan.Steps[n.Step-1] = append(plan.Steps[n.Step-1], n)
	}

	return nil
}
