package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RoleBackend answers role membership lookups from the role_members table.
// It satisfies rolelookup.Backend.
type RoleBackend struct {
	db *DB
}

// NewRoleBackend creates a new PostgreSQL-backed role lookup backend.
func NewRoleBackend(db *DB) *RoleBackend {
	return &RoleBackend{db: db}
}

// Lookup resolves a role against a target into usernames.
func (b *RoleBackend) Lookup(ctx context.Context, role, target string) ([]string, error) {
	query := `
		SELECT username FROM role_members
		WHERE role = $1 AND target = $2
		ORDER BY username
	`

	rows, err := b.db.pool.Query(ctx, query, role, target)
	if err != nil {
		return nil, fmt.Errorf("failed to query role members: %w", err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("failed to scan role member: %w", err)
		}
		usernames = append(usernames, username)
	}

	return usernames, rows.Err()
}

// UserDirectory reports user activeness from the users table. It satisfies
// rolelookup.UserDirectory. Unknown usernames count as inactive.
type UserDirectory struct {
	db *DB
}

// NewUserDirectory creates a new PostgreSQL-backed user directory.
func NewUserDirectory(db *DB) *UserDirectory {
	return &UserDirectory{db: db}
}

// Active reports whether the username is an active user.
func (d *UserDirectory) Active(ctx context.Context, username string) (bool, error) {
	var active bool
	err := d.db.pool.QueryRow(ctx,
		`SELECT active FROM users WHERE username = $1`, username).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check user activeness: %w", err)
	}

	return active, nil
}
