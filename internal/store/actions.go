package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"charrelay/internal/actions"
)

// LoadPendingActions returns pending actions of the given kinds, oldest
// first.
func (s *LocalStore) LoadPendingActions(ctx context.Context, kinds []actions.Kind) ([]*actions.Action, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(kinds))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(kinds)+1)
	args = append(args, int(actions.StatusPending))
	for _, k := range kinds {
		args = append(args, string(k))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, status, attempt, max_attempts, requester_id, channel_id, created_at
		FROM stored_actions
		WHERE status = ? AND kind IN (`+placeholders+`)
		ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("load pending actions: %w", err)
	}
	defer rows.Close()

	var out []*actions.Action
	for rows.Next() {
		var (
			a       actions.Action
			kind    string
			status  int
			created sql.NullTime
		)
		if err := rows.Scan(&a.ID, &kind, &a.Payload, &status, &a.Attempt, &a.MaxAttempts,
			&a.RequesterID, &a.ChannelID, &created); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Kind = actions.Kind(kind)
		a.Status = actions.Status(status)
		if created.Valid {
			a.CreatedAt = created.Time
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SaveActionBatch writes a tick's status transitions in one transaction.
func (s *LocalStore) SaveActionBatch(ctx context.Context, batch []*actions.Action) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin action batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE stored_actions SET status = ?, attempt = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare action update: %w", err)
	}
	defer stmt.Close()

	for _, a := range batch {
		if _, err := stmt.ExecContext(ctx, int(a.Status), a.Attempt, a.ID); err != nil {
			return fmt.Errorf("update action %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// InsertAction persists a new action as Pending. Called by the outer
// product when it starts a long-lived external operation.
func (s *LocalStore) InsertAction(ctx context.Context, a *actions.Action) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stored_actions (id, kind, payload, status, attempt, max_attempts, requester_id, channel_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), a.Payload, int(a.Status), a.Attempt, a.MaxAttempts,
		a.RequesterID, a.ChannelID, created)
	if err != nil {
		return fmt.Errorf("insert action %s: %w", a.ID, err)
	}
	return nil
}
