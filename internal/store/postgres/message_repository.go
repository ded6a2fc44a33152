package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"herald/internal/domain"
)

// MessageRepository implements store.MessageRepository using PostgreSQL.
type MessageRepository struct {
	db *DB
}

// NewMessageRepository creates a new PostgreSQL-backed message repository.
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `
	id, incident_id, plan_id, notification_id, plan_name, application,
	target, priority, mode, destination, template, context, subject, body,
	state, batch_id, aggregated_ids, noreply, retry_count, created_at, sent_at
`

// Create stores a new message and returns its ID.
func (r *MessageRepository) Create(ctx context.Context, msg *domain.Message) (int64, error) {
	query := `
		INSERT INTO messages (
			incident_id, plan_id, notification_id, plan_name, application,
			target, priority, mode, destination, template, context, subject,
			body, state, batch_id, aggregated_ids, noreply, retry_count,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
				  $14, $15, $16, $17, $18, $19)
		RETURNING id
	`

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.State == "" {
		msg.State = domain.MessageStateCreated
	}

	err := r.db.pool.QueryRow(ctx, query,
		msg.IncidentID,
		msg.PlanID,
		msg.NotificationID,
		nullableString(msg.PlanName),
		msg.Application,
		msg.Target,
		nullableString(string(msg.Priority)),
		nullableString(string(msg.Mode)),
		nullableString(msg.Destination),
		nullableString(msg.TemplateName),
		msg.Context,
		nullableString(msg.Subject),
		nullableString(msg.Body),
		msg.State,
		nullableString(msg.BatchID),
		msg.AggregatedIDs,
		msg.NoReply,
		msg.RetryCount,
		msg.CreatedAt,
	).Scan(&msg.ID)

	if err != nil {
		return 0, fmt.Errorf("failed to create message: %w", err)
	}

	return msg.ID, nil
}

// Get retrieves a message by ID.
func (r *MessageRepository) Get(ctx context.Context, id int64) (*domain.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE id = $1`, messageColumns)

	msg, err := scanMessage(r.db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return msg, nil
}

// Pending retrieves unsent, undropped messages awaiting delivery, excluding
// the given in-flight IDs.
func (r *MessageRepository) Pending(ctx context.Context, exclude map[int64]struct{}) ([]*domain.Message, error) {
	excluded := make([]int64, 0, len(exclude))
	for id := range exclude {
		excluded = append(excluded, id)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE state IN ($1, $2, $3) AND NOT (id = ANY($4))
		ORDER BY created_at, id
	`, messageColumns)

	rows, err := r.db.pool.Query(ctx, query,
		domain.MessageStateCreated,
		domain.MessageStateContactResolved,
		domain.MessageStateRendered,
		excluded,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkSent stamps the messages as dispatched at sentAt.
func (r *MessageRepository) MarkSent(ctx context.Context, sentAt time.Time, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE messages SET state = $1, sent_at = $2 WHERE id = ANY($3)
	`

	result, err := r.db.pool.Exec(ctx, query, domain.MessageStateDispatched, sentAt, ids)
	if err != nil {
		return fmt.Errorf("failed to mark messages sent: %w", err)
	}
	if result.RowsAffected() != int64(len(ids)) {
		return domain.ErrMessageNotFound
	}

	return nil
}

// AssignBatch records the batch the messages were released under.
func (r *MessageRepository) AssignBatch(ctx context.Context, batchID string, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE messages SET batch_id = $1 WHERE id = ANY($2)`

	result, err := r.db.pool.Exec(ctx, query, batchID, ids)
	if err != nil {
		return fmt.Errorf("failed to assign batch: %w", err)
	}
	if result.RowsAffected() != int64(len(ids)) {
		return domain.ErrMessageNotFound
	}

	return nil
}

// SetState moves a message to the given pipeline state.
func (r *MessageRepository) SetState(ctx context.Context, id int64, state domain.MessageState) error {
	return r.update(ctx, `UPDATE messages SET state = $2 WHERE id = $1`, id, state)
}

// SetMode updates the resolved mode and destination of a message.
func (r *MessageRepository) SetMode(ctx context.Context, id int64, mode domain.Mode, destination string) error {
	return r.update(ctx,
		`UPDATE messages SET mode = $2, destination = $3 WHERE id = $1`,
		id, mode, destination)
}

// SetContent stores the rendered subject and body.
func (r *MessageRepository) SetContent(ctx context.Context, id int64, subject, body string) error {
	return r.update(ctx,
		`UPDATE messages SET subject = $2, body = $3 WHERE id = $1`,
		id, subject, body)
}

func (r *MessageRepository) update(ctx context.Context, query string, id int64, args ...interface{}) error {
	result, err := r.db.pool.Exec(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}

	return nil
}

// scanMessage scans a single message from a row.
func scanMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	var planName, priority, mode, destination, template *string
	var subject, body, batchID *string

	err := row.Scan(
		&msg.ID,
		&msg.IncidentID,
		&msg.PlanID,
		&msg.NotificationID,
		&planName,
		&msg.Application,
		&msg.Target,
		&priority,
		&mode,
		&destination,
		&template,
		&msg.Context,
		&subject,
		&body,
		&msg.State,
		&batchID,
		&msg.AggregatedIDs,
		&msg.NoReply,
		&msg.RetryCount,
		&msg.CreatedAt,
		&msg.SentAt,
	)
	if err != nil {
		return nil, err
	}

	if planName != nil {
		msg.PlanName = *planName
	}
	if priority != nil {
		msg.Priority = domain.Priority(*priority)
	}
	if mode != nil {
		msg.Mode = domain.Mode(*mode)
	}
	if destination != nil {
		msg.Destination = *destination
	}
	if template != nil {
		msg.TemplateName = *template
	}
	if subject != nil {
		msg.Subject = *subject
	}
	if body != nil {
		msg.Body = *body
	}
	if batchID != nil {
		msg.BatchID = *batchID
	}

	return &msg, nil
}
