package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"charrelay/internal/relay"
)

const characterColumns = `id, channel_id, guild_id, name, webhook_id, webhook_token,
	call_prefix, persona, message_format, response_delay_ms, freewill_chance, wide_context,
	enable_swipes, enable_quotes, enable_stop, last_caller_id, last_response_id,
	messages_sent, integration_kind, integration_model, integration_state, created_at`

// LoadSpawnedCharacters returns the channel's characters, oldest spawn
// first so directory insertion order is deterministic.
func (s *LocalStore) LoadSpawnedCharacters(ctx context.Context, channelID string) ([]*relay.SpawnedCharacter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+characterColumns+` FROM spawned_characters WHERE channel_id = ? ORDER BY created_at, id`,
		channelID)
	if err != nil {
		return nil, fmt.Errorf("load characters for channel %s: %w", channelID, err)
	}
	defer rows.Close()

	var out []*relay.SpawnedCharacter
	for rows.Next() {
		ch, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SearchSpawnedCharacters returns characters whose name contains the
// query, case-insensitively, across every channel. Backs the paginated
// gateway search; the gateway caches the result per search session.
func (s *LocalStore) SearchSpawnedCharacters(ctx context.Context, query string) ([]*relay.SpawnedCharacter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+characterColumns+` FROM spawned_characters
		 WHERE name LIKE '%' || ? || '%' COLLATE NOCASE ORDER BY name, id`,
		query)
	if err != nil {
		return nil, fmt.Errorf("search characters %q: %w", query, err)
	}
	defer rows.Close()

	var out []*relay.SpawnedCharacter
	for rows.Next() {
		ch, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// InsertSpawnedCharacter persists a freshly spawned character. Called by
// the outer product (gateway), never by the dispatch core.
func (s *LocalStore) InsertSpawnedCharacter(ctx context.Context, ch *relay.SpawnedCharacter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spawned_characters (
			id, channel_id, guild_id, name, webhook_id, webhook_token,
			call_prefix, persona, message_format, response_delay_ms, freewill_chance, wide_context,
			enable_swipes, enable_quotes, enable_stop, last_caller_id, last_response_id,
			messages_sent, integration_kind, integration_model, integration_state, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.ChannelID, ch.GuildID, ch.Name, ch.WebhookID, ch.WebhookToken,
		ch.CallPrefix, ch.Persona, ch.MessageFormat, ch.ResponseDelay.Milliseconds(),
		ch.FreewillChance, ch.WideContext,
		boolInt(ch.EnableSwipes), boolInt(ch.EnableQuotes), boolInt(ch.EnableStop),
		ch.LastCallerID, ch.LastResponseID, ch.MessagesSent,
		int(ch.Integration.Kind), ch.Integration.Model, ch.Integration.State,
		orNow(ch.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert character %s: %w", ch.ID, err)
	}
	return nil
}

// SaveCharacterState writes back the mutable runtime fields plus the
// tunables a moderator may have adjusted.
func (s *LocalStore) SaveCharacterState(ctx context.Context, ch *relay.SpawnedCharacter) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE spawned_characters SET
			call_prefix = ?, persona = ?, message_format = ?, response_delay_ms = ?,
			freewill_chance = ?, wide_context = ?,
			enable_swipes = ?, enable_quotes = ?, enable_stop = ?,
			last_caller_id = ?, last_response_id = ?, messages_sent = ?,
			integration_state = ?
		WHERE id = ?`,
		ch.CallPrefix, ch.Persona, ch.MessageFormat, ch.ResponseDelay.Milliseconds(),
		ch.FreewillChance, ch.WideContext,
		boolInt(ch.EnableSwipes), boolInt(ch.EnableQuotes), boolInt(ch.EnableStop),
		ch.LastCallerID, ch.LastResponseID, ch.MessagesSent,
		ch.Integration.State,
		ch.ID)
	if err != nil {
		return fmt.Errorf("save character %s: %w", ch.ID, err)
	}
	return nil
}

// DeleteSpawnedCharacter removes a character row.
func (s *LocalStore) DeleteSpawnedCharacter(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM spawned_characters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete character %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCharacter(row rowScanner) (*relay.SpawnedCharacter, error) {
	var (
		ch                            relay.SpawnedCharacter
		delayMS                       int64
		swipes, quotes, stop, kindInt int
		created                       sql.NullTime
	)
	err := row.Scan(
		&ch.ID, &ch.ChannelID, &ch.GuildID, &ch.Name, &ch.WebhookID, &ch.WebhookToken,
		&ch.CallPrefix, &ch.Persona, &ch.MessageFormat, &delayMS, &ch.FreewillChance, &ch.WideContext,
		&swipes, &quotes, &stop, &ch.LastCallerID, &ch.LastResponseID,
		&ch.MessagesSent, &kindInt, &ch.Integration.Model, &ch.Integration.State, &created)
	if err != nil {
		return nil, fmt.Errorf("scan character: %w", err)
	}
	ch.ResponseDelay = time.Duration(delayMS) * time.Millisecond
	ch.EnableSwipes = swipes != 0
	ch.EnableQuotes = quotes != 0
	ch.EnableStop = stop != 0
	ch.Integration.Kind = relay.IntegrationKind(kindInt)
	if created.Valid {
		ch.CreatedAt = created.Time
	}
	return &ch, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
