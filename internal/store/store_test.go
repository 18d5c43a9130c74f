package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charrelay/internal/actions"
	"charrelay/internal/relay"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleCharacter(id, channel string) *relay.SpawnedCharacter {
	return &relay.SpawnedCharacter{
		ID:             id,
		ChannelID:      channel,
		GuildID:        "guild-1",
		Name:           "Sage",
		WebhookID:      "wh-" + id,
		WebhookToken:   "tok-" + id,
		CallPrefix:     "@sage",
		Persona:        "A calm advisor.",
		MessageFormat:  "{user}: {message}",
		ResponseDelay:  1500 * time.Millisecond,
		FreewillChance: 25,
		WideContext:    1000,
		EnableQuotes:   true,
		Integration: relay.Integration{
			Kind:  relay.IntegrationOpenAI,
			Model: "gpt-4o-mini",
			State: `{"session":"abc"}`,
		},
		CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCharacterRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := sampleCharacter("c1", "chan-1")
	require.NoError(t, s.InsertSpawnedCharacter(ctx, want))

	got, err := s.LoadSpawnedCharacters(ctx, "chan-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("character mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSpawnedCharactersOrderAndScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := sampleCharacter("c-old", "chan-1")
	older.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := sampleCharacter("c-new", "chan-1")
	elsewhere := sampleCharacter("c-other", "chan-2")

	require.NoError(t, s.InsertSpawnedCharacter(ctx, newer))
	require.NoError(t, s.InsertSpawnedCharacter(ctx, older))
	require.NoError(t, s.InsertSpawnedCharacter(ctx, elsewhere))

	got, err := s.LoadSpawnedCharacters(ctx, "chan-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c-old", got[0].ID, "oldest spawn first")
	assert.Equal(t, "c-new", got[1].ID)
}

func TestSaveCharacterState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch := sampleCharacter("c1", "chan-1")
	require.NoError(t, s.InsertSpawnedCharacter(ctx, ch))

	ch.LastCallerID = "user-9"
	ch.LastResponseID = "resp-9"
	ch.MessagesSent = 7
	ch.FreewillChance = 50
	ch.Integration.State = `{"session":"rotated"}`
	require.NoError(t, s.SaveCharacterState(ctx, ch))

	got, err := s.LoadSpawnedCharacters(ctx, "chan-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "user-9", got[0].LastCallerID)
	assert.Equal(t, 7, got[0].MessagesSent)
	assert.Equal(t, 50, got[0].FreewillChance)
	assert.Equal(t, `{"session":"rotated"}`, got[0].Integration.State)
	assert.Equal(t, "wh-c1", got[0].WebhookID, "identity fields untouched by state saves")
}

func TestSearchSpawnedCharacters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleCharacter("c1", "chan-1")
	a.Name = "Archmage"
	b := sampleCharacter("c2", "chan-2")
	b.Name = "Bard"
	require.NoError(t, s.InsertSpawnedCharacter(ctx, a))
	require.NoError(t, s.InsertSpawnedCharacter(ctx, b))

	got, err := s.SearchSpawnedCharacters(ctx, "mage")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Archmage", got[0].Name)

	got, err = s.SearchSpawnedCharacters(ctx, "ARCH")
	require.NoError(t, err)
	assert.Len(t, got, 1, "search is case-insensitive")

	got, err = s.SearchSpawnedCharacters(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteSpawnedCharacter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSpawnedCharacter(ctx, sampleCharacter("c1", "chan-1")))
	require.NoError(t, s.DeleteSpawnedCharacter(ctx, "c1"))
	require.NoError(t, s.DeleteSpawnedCharacter(ctx, "c1"), "double delete is a no-op")

	got, err := s.LoadSpawnedCharacters(ctx, "chan-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBlockedUsersRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddBlockedUser(ctx, relay.BlockedUser{
		UserID: "user-1", BlockedAt: at, BlockedUntil: at.Add(time.Hour),
	}))

	// Escalation overwrites the earlier row.
	require.NoError(t, s.AddBlockedUser(ctx, relay.BlockedUser{
		UserID: "user-1", BlockedAt: at.Add(2 * time.Hour), BlockedUntil: at.Add(26 * time.Hour),
	}))

	got, err := s.LoadBlockedUsers(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, at.Add(26*time.Hour), got[0].BlockedUntil.UTC())

	require.NoError(t, s.RemoveBlockedUser(ctx, "user-1"))
	require.NoError(t, s.RemoveBlockedUser(ctx, "ghost"), "removing an absent user is fine")
	got, err = s.LoadBlockedUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestActionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &actions.Action{
		ID: "a1", Kind: "session-login", Payload: `{"poll_url":"http://x"}`,
		Status: actions.StatusPending, MaxAttempts: 10,
		RequesterID: "user-1", ChannelID: "chan-1",
		CreatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	b := &actions.Action{
		ID: "a2", Kind: "session-login", Status: actions.StatusPending, MaxAttempts: 10,
		CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	other := &actions.Action{
		ID: "a3", Kind: "unrelated-kind", Status: actions.StatusPending, MaxAttempts: 10,
	}
	require.NoError(t, s.InsertAction(ctx, a))
	require.NoError(t, s.InsertAction(ctx, b))
	require.NoError(t, s.InsertAction(ctx, other))

	pending, err := s.LoadPendingActions(ctx, []actions.Kind{"session-login"})
	require.NoError(t, err)
	require.Len(t, pending, 2, "kind filter applies")
	assert.Equal(t, "a1", pending[0].ID, "oldest first")
	assert.Equal(t, `{"poll_url":"http://x"}`, pending[0].Payload)

	pending[0].Status = actions.StatusFinished
	pending[0].Attempt = 1
	pending[1].Status = actions.StatusCanceled
	pending[1].Attempt = 11
	require.NoError(t, s.SaveActionBatch(ctx, pending))

	// Neither finished nor canceled actions come back.
	left, err := s.LoadPendingActions(ctx, []actions.Kind{"session-login"})
	require.NoError(t, err)
	assert.Empty(t, left)

	// The unrelated kind is still pending under its own filter.
	left, err = s.LoadPendingActions(ctx, []actions.Kind{"unrelated-kind"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "a3", left[0].ID)
}

func TestLoadPendingActionsNoKinds(t *testing.T) {
	s := newTestStore(t)
	got, err := s.LoadPendingActions(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
