// Package postgres provides PostgreSQL-based implementations of the store
// interfaces.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"herald/internal/config"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, cfg *config.PostgresConfig) (*DB, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.SSLMode,
		cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxOpenConns
	poolConfig.MinConns = cfg.MaxIdleConns
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// RunMigrations creates the required database tables.
func (db *DB) RunMigrations(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS incidents (
			id BIGSERIAL PRIMARY KEY,
			plan_id BIGINT NOT NULL,
			application VARCHAR(255) NOT NULL,
			context JSONB,
			current_step INTEGER NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			owner VARCHAR(255),
			dynamic_targets JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_incidents_active ON incidents(active);
		CREATE INDEX IF NOT EXISTS idx_incidents_plan ON incidents(plan_id);

		CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			incident_id BIGINT NOT NULL DEFAULT 0,
			plan_id BIGINT NOT NULL DEFAULT 0,
			notification_id BIGINT NOT NULL DEFAULT 0,
			plan_name VARCHAR(255),
			application VARCHAR(255) NOT NULL,
			target VARCHAR(255) NOT NULL,
			priority VARCHAR(20),
			mode VARCHAR(20),
			destination TEXT,
			template VARCHAR(255),
			context JSONB,
			subject TEXT,
			body TEXT,
			state VARCHAR(32) NOT NULL,
			batch_id VARCHAR(36),
			aggregated_ids BIGINT[],
			noreply BOOLEAN NOT NULL DEFAULT FALSE,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			sent_at TIMESTAMP WITH TIME ZONE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_state ON messages(state);
		CREATE INDEX IF NOT EXISTS idx_messages_incident ON messages(incident_id);
		CREATE INDEX IF NOT EXISTS idx_messages_notification
			ON messages(incident_id, notification_id);

		CREATE TABLE IF NOT EXISTS message_changes (
			id BIGSERIAL PRIMARY KEY,
			message_id BIGINT NOT NULL,
			change_type VARCHAR(32) NOT NULL,
			old TEXT,
			new TEXT,
			description TEXT,
			date TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_message_changes_message
			ON message_changes(message_id);

		CREATE TABLE IF NOT EXISTS plans (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			creator VARCHAR(255) NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			threshold_window_sec BIGINT NOT NULL DEFAULT 0,
			threshold_count INTEGER NOT NULL DEFAULT 0,
			aggregation_window_sec BIGINT NOT NULL DEFAULT 0,
			aggregation_reset_sec BIGINT NOT NULL DEFAULT 0,
			tracking_type VARCHAR(20),
			tracking_key TEXT,
			tracking_templates JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_plans_name_active ON plans(name, active);

		CREATE TABLE IF NOT EXISTS plan_notifications (
			id BIGSERIAL PRIMARY KEY,
			plan_id BIGINT NOT NULL,
			step INTEGER NOT NULL,
			role VARCHAR(255),
			target VARCHAR(255),
			dynamic_index INTEGER NOT NULL DEFAULT 0,
			priority VARCHAR(20) NOT NULL,
			template VARCHAR(255),
			repeat INTEGER NOT NULL DEFAULT 0,
			wait_sec BIGINT NOT NULL DEFAULT 0,
			optional BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE INDEX IF NOT EXISTS idx_plan_notifications_plan
			ON plan_notifications(plan_id, step);

		CREATE TABLE IF NOT EXISTS templates (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			application VARCHAR(255) NOT NULL,
			mode VARCHAR(20) NOT NULL,
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			UNIQUE (name, application, mode)
		);

		CREATE TABLE IF NOT EXISTS target_contacts (
			username VARCHAR(255) NOT NULL,
			mode VARCHAR(20) NOT NULL,
			destination TEXT NOT NULL,
			PRIMARY KEY (username, mode)
		);

		CREATE TABLE IF NOT EXISTS user_app_modes (
			username VARCHAR(255) NOT NULL,
			application VARCHAR(255) NOT NULL,
			priority VARCHAR(20) NOT NULL,
			mode VARCHAR(20) NOT NULL,
			PRIMARY KEY (username, application, priority)
		);

		CREATE TABLE IF NOT EXISTS app_modes (
			application VARCHAR(255) NOT NULL,
			priority VARCHAR(20) NOT NULL,
			mode VARCHAR(20) NOT NULL,
			PRIMARY KEY (application, priority)
		);

		CREATE TABLE IF NOT EXISTS user_modes (
			username VARCHAR(255) NOT NULL,
			priority VARCHAR(20) NOT NULL,
			mode VARCHAR(20) NOT NULL,
			PRIMARY KEY (username, priority)
		);

		CREATE TABLE IF NOT EXISTS app_allowed_modes (
			application VARCHAR(255) NOT NULL,
			mode VARCHAR(20) NOT NULL,
			PRIMARY KEY (application, mode)
		);

		CREATE TABLE IF NOT EXISTS application_quotas (
			application VARCHAR(255) PRIMARY KEY,
			hard_limit INTEGER NOT NULL DEFAULT 0,
			soft_limit INTEGER NOT NULL DEFAULT 0,
			hard_duration_sec BIGINT NOT NULL DEFAULT 0,
			soft_duration_sec BIGINT NOT NULL DEFAULT 0,
			wait_time_sec BIGINT NOT NULL DEFAULT 0,
			plan_name VARCHAR(255),
			target_role VARCHAR(255),
			target_name VARCHAR(255)
		);

		CREATE TABLE IF NOT EXISTS target_reprioritization (
			target VARCHAR(255) NOT NULL,
			src_mode VARCHAR(20) NOT NULL,
			dst_mode VARCHAR(20) NOT NULL,
			count INTEGER NOT NULL,
			duration_sec BIGINT NOT NULL,
			PRIMARY KEY (target, src_mode)
		);

		CREATE TABLE IF NOT EXISTS users (
			username VARCHAR(255) PRIMARY KEY,
			active BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE TABLE IF NOT EXISTS role_members (
			role VARCHAR(255) NOT NULL,
			target VARCHAR(255) NOT NULL,
			username VARCHAR(255) NOT NULL,
			PRIMARY KEY (role, target, username)
		);
	`

	_, err := db.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
