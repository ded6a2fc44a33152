package postgres

import (
	"context"
	"fmt"
	"time"

	"herald/internal/domain"
)

// AuditLog implements store.AuditLog using PostgreSQL.
type AuditLog struct {
	db *DB
}

// NewAuditLog creates a new PostgreSQL-backed audit log.
func NewAuditLog(db *DB) *AuditLog {
	return &AuditLog{db: db}
}

// Record appends a change entry for a message.
func (l *AuditLog) Record(ctx context.Context, change *domain.MessageChange) error {
	query := `
		INSERT INTO message_changes (
			message_id, change_type, old, new, description, date
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	if change.Date.IsZero() {
		change.Date = time.Now()
	}

	_, err := l.db.pool.Exec(ctx, query,
		change.MessageID,
		change.ChangeType,
		change.Old,
		change.New,
		change.Description,
		change.Date,
	)
	if err != nil {
		return fmt.Errorf("failed to record message change: %w", err)
	}

	return nil
}

// ListByMessage retrieves the change history of a message.
func (l *AuditLog) ListByMessage(ctx context.Context, messageID int64) ([]*domain.MessageChange, error) {
	query := `
		SELECT message_id, change_type, old, new, description, date
		FROM message_changes
		WHERE message_id = $1
		ORDER BY date, id
	`

	rows, err := l.db.pool.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query message changes: %w", err)
	}
	defer rows.Close()

	var changes []*domain.MessageChange
	for rows.Next() {
		var change domain.MessageChange
		err := rows.Scan(&change.MessageID, &change.ChangeType, &change.Old,
			&change.New, &change.Description, &change.Date)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message change: %w", err)
		}
		changes = append(changes, &change)
	}

	return changes, rows.Err()
}
