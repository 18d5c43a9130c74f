package store

import (
	"context"
	"fmt"

	"charrelay/internal/relay"
)

// LoadBlockedUsers returns every persisted block.
func (s *LocalStore) LoadBlockedUsers(ctx context.Context) ([]relay.BlockedUser, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, blocked_at, blocked_until FROM blocked_users`)
	if err != nil {
		return nil, fmt.Errorf("load blocked users: %w", err)
	}
	defer rows.Close()

	var out []relay.BlockedUser
	for rows.Next() {
		var b relay.BlockedUser
		if err := rows.Scan(&b.UserID, &b.BlockedAt, &b.BlockedUntil); err != nil {
			return nil, fmt.Errorf("scan blocked user: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AddBlockedUser persists a block, replacing any earlier row for the same
// user so an escalated block overwrites the expired one.
func (s *LocalStore) AddBlockedUser(ctx context.Context, b relay.BlockedUser) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_users (user_id, blocked_at, blocked_until)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET blocked_at = excluded.blocked_at, blocked_until = excluded.blocked_until`,
		b.UserID, b.BlockedAt.UTC(), b.BlockedUntil.UTC())
	if err != nil {
		return fmt.Errorf("add blocked user %s: %w", b.UserID, err)
	}
	return nil
}

// RemoveBlockedUser lifts a block. Removing an absent user is a no-op.
func (s *LocalStore) RemoveBlockedUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocked_users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("remove blocked user %s: %w", userID, err)
	}
	return nil
}
