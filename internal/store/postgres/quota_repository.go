package postgres

import (
	"context"
	"fmt"
	"time"

	"herald/internal/domain"
)

// QuotaRepository implements store.QuotaRepository using PostgreSQL.
type QuotaRepository struct {
	db *DB
}

// NewQuotaRepository creates a new PostgreSQL-backed quota repository.
func NewQuotaRepository(db *DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

// ListConfigs retrieves every application quota configuration.
func (r *QuotaRepository) ListConfigs(ctx context.Context) ([]*domain.QuotaConfig, error) {
	query := `
		SELECT application, hard_limit, soft_limit, hard_duration_sec,
			   soft_duration_sec, wait_time_sec, plan_name, target_role,
			   target_name
		FROM application_quotas
		ORDER BY application
	`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query quota configs: %w", err)
	}
	defer rows.Close()

	var configs []*domain.QuotaConfig
	for rows.Next() {
		var cfg domain.QuotaConfig
		var hardSec, softSec, waitSec int64
		var planName, targetRole, targetName *string

		err := rows.Scan(&cfg.Application, &cfg.HardLimit, &cfg.SoftLimit,
			&hardSec, &softSec, &waitSec, &planName, &targetRole, &targetName)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quota config: %w", err)
		}

		cfg.HardDuration = time.Duration(hardSec) * time.Second
		cfg.SoftDuration = time.Duration(softSec) * time.Second
		cfg.WaitTime = time.Duration(waitSec) * time.Second
		if planName != nil {
			cfg.PlanName = *planName
		}
		if targetRole != nil {
			cfg.TargetRole = *targetRole
		}
		if targetName != nil {
			cfg.TargetName = *targetName
		}

		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}
