package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charrelay/internal/relay"
)

type mockDispatch struct {
	mu   sync.Mutex
	msgs []*relay.Message
}

func (m *mockDispatch) HandleMessage(ctx context.Context, msg *relay.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
}

func (m *mockDispatch) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

type mockGatewayStore struct {
	inserted   []*relay.SpawnedCharacter
	deleted    []string
	searchHits []*relay.SpawnedCharacter
	insertErr  error
	searchErr  error
}

func (m *mockGatewayStore) InsertSpawnedCharacter(ctx context.Context, ch *relay.SpawnedCharacter) error {
	m.inserted = append(m.inserted, ch)
	return m.insertErr
}

func (m *mockGatewayStore) DeleteSpawnedCharacter(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockGatewayStore) SearchSpawnedCharacters(ctx context.Context, query string) ([]*relay.SpawnedCharacter, error) {
	return m.searchHits, m.searchErr
}

type mockBlocker struct {
	unblocked []string
	err       error
}

func (m *mockBlocker) Unblock(ctx context.Context, userID string) error {
	m.unblocked = append(m.unblocked, userID)
	return m.err
}

type serverHarness struct {
	server   *Server
	dispatch *mockDispatch
	store    *mockGatewayStore
	blocker  *mockBlocker
	dir      *relay.CharacterDirectory
	guilds   *relay.GuildBlocklist
}

func newServerHarness() *serverHarness {
	h := &serverHarness{
		dispatch: &mockDispatch{},
		store:    &mockGatewayStore{},
		blocker:  &mockBlocker{},
		dir:      relay.NewCharacterDirectory(5),
		guilds:   relay.NewGuildBlocklist(),
	}
	h.server = NewServer("secret", h.dispatch, h.dir, h.store, h.blocker, h.guilds, time.Minute)
	return h
}

func (h *serverHarness) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	h := newServerHarness()

	rec := h.do(t, http.MethodPost, "/v1/events", "", map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/events", "wrong", map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays public.
	rec = h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPostEvent(t *testing.T) {
	h := newServerHarness()

	rec := h.do(t, http.MethodPost, "/v1/events", "secret", map[string]interface{}{
		"id": "m1", "channel_id": "chan-1", "author_id": "user-1",
		"author_name": "Pat", "content": "@a hello",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, h.dispatch.count())
	assert.Equal(t, "@a hello", h.dispatch.msgs[0].Content)
}

func TestPostEventValidation(t *testing.T) {
	h := newServerHarness()

	rec := h.do(t, http.MethodPost, "/v1/events", "secret", map[string]string{"id": "m1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, h.dispatch.count())
}

func TestSpawnCharacter(t *testing.T) {
	h := newServerHarness()

	rec := h.do(t, http.MethodPost, "/v1/characters", "secret", map[string]interface{}{
		"channel_id": "chan-1", "name": "Sage", "webhook_id": "wh-1",
		"webhook_token": "tok", "call_prefix": "@sage",
		"freewill_chance": 25, "backend": "openai", "model": "gpt-4o-mini",
		"response_delay": "2s",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, h.store.inserted, 1)
	ch := h.store.inserted[0]
	assert.NotEmpty(t, ch.ID)
	assert.Equal(t, relay.IntegrationOpenAI, ch.Integration.Kind)
	assert.Equal(t, 2*time.Second, ch.ResponseDelay)

	// Spawned character is immediately resolvable.
	require.NotNil(t, h.dir.MatchPrefix("chan-1", "@sage hi"))
}

func TestSpawnCharacterRejections(t *testing.T) {
	h := newServerHarness()

	cases := []map[string]interface{}{
		{"name": "x", "webhook_id": "w", "call_prefix": "@x"},                                            // no channel
		{"channel_id": "c", "name": "x", "webhook_id": "w", "call_prefix": "@x", "freewill_chance": 150}, // bad chance
		{"channel_id": "c", "name": "x", "webhook_id": "w", "call_prefix": "@x", "backend": "legacy"},    // unknown backend
		{"channel_id": "c", "name": "x", "webhook_id": "w", "call_prefix": "@x", "response_delay": "-1s"},
	}
	for i, body := range cases {
		rec := h.do(t, http.MethodPost, "/v1/characters", "secret", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "case %d", i)
	}
	assert.Empty(t, h.store.inserted)
}

func TestRemoveCharacter(t *testing.T) {
	h := newServerHarness()
	h.dir.Add(&relay.SpawnedCharacter{ID: "c1", ChannelID: "chan-1", CallPrefix: "@a", WebhookID: "wh-1"})

	rec := h.do(t, http.MethodDelete, "/v1/characters/c1?channel_id=chan-1", "secret", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"c1"}, h.store.deleted)
	assert.Nil(t, h.dir.MatchPrefix("chan-1", "@a hi"))

	rec = h.do(t, http.MethodDelete, "/v1/characters/c1", "secret", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "channel_id is required")
}

func TestListChannelCharacters(t *testing.T) {
	h := newServerHarness()
	h.dir.Add(&relay.SpawnedCharacter{ID: "c1", ChannelID: "chan-1", Name: "Sage", CallPrefix: "@sage"})

	rec := h.do(t, http.MethodGet, "/v1/channels/chan-1/characters", "secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Characters []characterSummary `json:"characters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Characters, 1)
	assert.Equal(t, "Sage", body.Characters[0].Name)
}

func TestSearchSessionPagination(t *testing.T) {
	h := newServerHarness()
	for i := 0; i < 25; i++ {
		h.store.searchHits = append(h.store.searchHits, &relay.SpawnedCharacter{
			ID: fmt.Sprintf("c%02d", i), ChannelID: "chan-1", Name: fmt.Sprintf("Char %02d", i),
		})
	}

	rec := h.do(t, http.MethodGet, "/v1/characters/search?q=char", "secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Session    string             `json:"session"`
		Total      int                `json:"total"`
		Characters []characterSummary `json:"characters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 25, page.Total)
	assert.Len(t, page.Characters, searchPageSize)
	require.NotEmpty(t, page.Session)

	// Page 2 reuses the pinned session; the store is not queried again
	// even when the query parameter is absent.
	h.store.searchErr = errors.New("store must not be hit")
	rec = h.do(t, http.MethodGet, "/v1/characters/search?session="+page.Session+"&page=1", "secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Characters, 5)
	assert.Equal(t, "c20", page.Characters[0].ID)

	// Past the end: empty page, not an error.
	rec = h.do(t, http.MethodGet, "/v1/characters/search?session="+page.Session+"&page=9", "secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Empty(t, page.Characters)
}

func TestSearchRequiresQueryForNewSession(t *testing.T) {
	h := newServerHarness()
	rec := h.do(t, http.MethodGet, "/v1/characters/search", "secret", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// An expired session id with no query is also a bad request.
	rec = h.do(t, http.MethodGet, "/v1/characters/search?session=gone", "secret", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnblockUser(t *testing.T) {
	h := newServerHarness()

	rec := h.do(t, http.MethodPost, "/v1/users/user-1/unblock", "secret", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"user-1"}, h.blocker.unblocked)

	h.blocker.err = errors.New("db down")
	rec = h.do(t, http.MethodPost, "/v1/users/user-2/unblock", "secret", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGuildBlockEndpoints(t *testing.T) {
	h := newServerHarness()

	rec := h.do(t, http.MethodPut, "/v1/guilds/g1/blocks/user-1", "secret", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, h.guilds.IsBlocked("g1", "user-1"))

	rec = h.do(t, http.MethodDelete, "/v1/guilds/g1/blocks/user-1", "secret", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, h.guilds.IsBlocked("g1", "user-1"))
}

func TestWebhookSenderSend(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"id": "msg-99"})
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, time.Minute)
	ch := &relay.SpawnedCharacter{ID: "c1", Name: "Sage", WebhookID: "wh-1", WebhookToken: "tok"}

	id, err := s.Send(context.Background(), ch, "hello world")
	require.NoError(t, err)
	assert.Equal(t, "msg-99", id)
	assert.Equal(t, "/webhooks/wh-1/tok", gotPath)
	assert.Equal(t, "hello world", gotBody["content"])
	assert.Equal(t, "Sage", gotBody["username"])

	// Second send reuses the cached client.
	_, err = s.Send(context.Background(), ch, "again")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Clients().Len())
}

func TestWebhookSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, time.Minute)
	ch := &relay.SpawnedCharacter{ID: "c1", WebhookID: "wh-1", WebhookToken: "tok"}
	_, err := s.Send(context.Background(), ch, "hello")
	assert.Error(t, err)
}

func TestWebhookSenderNoBodyOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, time.Minute)
	ch := &relay.SpawnedCharacter{ID: "c1", WebhookID: "wh-1", WebhookToken: "tok"}
	id, err := s.Send(context.Background(), ch, "hello")
	require.NoError(t, err, "a 204 with no body is still a delivered message")
	assert.Empty(t, id)
}

func TestHistoryClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/chan-1/messages", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bot tok", r.Header.Get("Authorization"))
		w.Write([]byte(`[
			{"id":"m2","channel_id":"chan-1","content":"from a webhook","author":{"id":"app-1","username":"Sage","bot":true},"webhook_id":"wh-1"},
			{"id":"m1","channel_id":"chan-1","content":"plain user post","author":{"id":"user-1","username":"Pat"}}
		]`))
	}))
	defer srv.Close()

	c := NewHistoryClient(srv.URL, "tok")
	msgs, err := c.FetchRecentMessages(context.Background(), "chan-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "wh-1", msgs[0].AuthorID, "webhook posts carry the webhook identity")
	assert.True(t, msgs[0].FromBot)
	assert.Equal(t, "user-1", msgs[1].AuthorID)
	assert.False(t, msgs[1].FromBot)
}

func TestHistoryClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewHistoryClient(srv.URL, "tok")
	_, err := c.FetchRecentMessages(context.Background(), "chan-1", 10)
	assert.Error(t, err)
}
