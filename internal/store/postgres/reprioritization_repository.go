package postgres

import (
	"context"
	"fmt"
	"time"

	"herald/internal/domain"
)

// ReprioritizationRepository implements store.ReprioritizationRepository
// using PostgreSQL. The destination for the rule's destination mode is
// resolved in the same query; rules whose target has no such contact come
// back without one and are skipped by the reprioritizer.
type ReprioritizationRepository struct {
	db *DB
}

// NewReprioritizationRepository creates a new PostgreSQL-backed
// reprioritization repository.
func NewReprioritizationRepository(db *DB) *ReprioritizationRepository {
	return &ReprioritizationRepository{db: db}
}

// ListRules retrieves every reprioritization rule.
func (r *ReprioritizationRepository) ListRules(ctx context.Context) ([]*domain.ReprioritizationRule, error) {
	query := `
		SELECT t.target, t.src_mode, t.dst_mode, t.count, t.duration_sec,
			   COALESCE(c.destination, '')
		FROM target_reprioritization t
		LEFT JOIN target_contacts c
			ON c.username = t.target AND c.mode = t.dst_mode
		ORDER BY t.target, t.src_mode
	`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query reprioritization rules: %w", err)
	}
	defer rows.Close()

	var rules []*domain.ReprioritizationRule
	for rows.Next() {
		var rule domain.ReprioritizationRule
		var durationSec int64

		err := rows.Scan(&rule.Target, &rule.SrcMode, &rule.DstMode,
			&rule.Count, &durationSec, &rule.Destination)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reprioritization rule: %w", err)
		}

		rule.Duration = time.Duration(durationSec) * time.Second
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}
