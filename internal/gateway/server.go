// Package gateway exposes the bot's ingress HTTP API: inbound channel
// events, character spawn and removal, watchdog administration, and
// paginated character search. It also hosts the webhook delivery path.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"charrelay/internal/logging"
	"charrelay/internal/relay"
)

// Dispatch receives inbound messages. Satisfied by *relay.Dispatcher.
type Dispatch interface {
	HandleMessage(ctx context.Context, msg *relay.Message)
}

// CharacterStore is the slice of persistence the gateway needs.
type CharacterStore interface {
	InsertSpawnedCharacter(ctx context.Context, ch *relay.SpawnedCharacter) error
	DeleteSpawnedCharacter(ctx context.Context, id string) error
	SearchSpawnedCharacters(ctx context.Context, query string) ([]*relay.SpawnedCharacter, error)
}

// Blocker lifts watchdog blocks. Satisfied by *relay.Watchdog.
type Blocker interface {
	Unblock(ctx context.Context, userID string) error
}

const searchPageSize = 20

// Server wires the HTTP API to the dispatch engine.
type Server struct {
	token    string
	dispatch Dispatch
	dir      *relay.CharacterDirectory
	store    CharacterStore
	watchdog Blocker
	guilds   *relay.GuildBlocklist
	sessions *relay.ExpiringCache
}

// NewServer builds the gateway. sessionTTL bounds how long an idle
// paginated search keeps its result set.
func NewServer(token string, dispatch Dispatch, dir *relay.CharacterDirectory,
	store CharacterStore, watchdog Blocker, guilds *relay.GuildBlocklist,
	sessionTTL time.Duration) *Server {
	return &Server{
		token:    token,
		dispatch: dispatch,
		dir:      dir,
		store:    store,
		watchdog: watchdog,
		guilds:   guilds,
		sessions: relay.NewExpiringCache("search-session", sessionTTL, nil),
	}
}

// Sessions exposes the search-session cache for the process sweep loop.
func (s *Server) Sessions() *relay.ExpiringCache {
	return s.sessions
}

// Handler returns the routed HTTP handler. The caller owns the
// http.Server around it.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/events", s.postEvent)
		r.Get("/channels/{channelID}/characters", s.getChannelCharacters)
		r.Post("/characters", s.postCharacter)
		r.Delete("/characters/{characterID}", s.deleteCharacter)
		r.Get("/characters/search", s.searchCharacters)
		r.Post("/users/{userID}/unblock", s.postUnblock)
		r.Put("/guilds/{guildID}/blocks/{userID}", s.putGuildBlock)
		r.Delete("/guilds/{guildID}/blocks/{userID}", s.deleteGuildBlock)
	})
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || s.token == "" || got != s.token {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	var msg relay.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event body")
		return
	}
	if msg.ID == "" || msg.ChannelID == "" || msg.AuthorID == "" {
		writeError(w, http.StatusBadRequest, "id, channel_id and author_id are required")
		return
	}

	// Dispatch outlives the request; targets run on their own goroutines.
	s.dispatch.HandleMessage(context.WithoutCancel(r.Context()), &msg)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// characterSummary is the wire shape for character listings.
type characterSummary struct {
	ID             string `json:"id"`
	ChannelID      string `json:"channel_id"`
	Name           string `json:"name"`
	CallPrefix     string `json:"call_prefix"`
	FreewillChance int    `json:"freewill_chance"`
	MessagesSent   int    `json:"messages_sent"`
}

func (s *Server) getChannelCharacters(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	infos := s.dir.ByChannel(channelID)
	out := make([]characterSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, summarize(info.Character, info.MessagesSent()))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"characters": out})
}

// spawnRequest is the character creation payload.
type spawnRequest struct {
	ChannelID      string `json:"channel_id"`
	GuildID        string `json:"guild_id"`
	Name           string `json:"name"`
	WebhookID      string `json:"webhook_id"`
	WebhookToken   string `json:"webhook_token"`
	CallPrefix     string `json:"call_prefix"`
	Persona        string `json:"persona"`
	MessageFormat  string `json:"message_format"`
	ResponseDelay  string `json:"response_delay"`
	FreewillChance int    `json:"freewill_chance"`
	WideContext    int    `json:"wide_context"`
	Backend        string `json:"backend"`
	Model          string `json:"model"`
}

func (s *Server) postCharacter(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed character body")
		return
	}
	if req.ChannelID == "" || req.Name == "" || req.WebhookID == "" || req.CallPrefix == "" {
		writeError(w, http.StatusBadRequest, "channel_id, name, webhook_id and call_prefix are required")
		return
	}
	if req.FreewillChance < 0 || req.FreewillChance > 100 {
		writeError(w, http.StatusBadRequest, "freewill_chance must be 0-100")
		return
	}

	var delay time.Duration
	if req.ResponseDelay != "" {
		d, err := time.ParseDuration(req.ResponseDelay)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "response_delay must be a non-negative duration")
			return
		}
		delay = d
	}

	kind := relay.IntegrationGemini
	switch strings.ToLower(req.Backend) {
	case "", "gemini":
	case "openai":
		kind = relay.IntegrationOpenAI
	default:
		writeError(w, http.StatusBadRequest, "unknown backend "+req.Backend)
		return
	}

	ch := &relay.SpawnedCharacter{
		ID:             uuid.NewString(),
		ChannelID:      req.ChannelID,
		GuildID:        req.GuildID,
		Name:           req.Name,
		WebhookID:      req.WebhookID,
		WebhookToken:   req.WebhookToken,
		CallPrefix:     req.CallPrefix,
		Persona:        req.Persona,
		MessageFormat:  req.MessageFormat,
		ResponseDelay:  delay,
		FreewillChance: req.FreewillChance,
		WideContext:    req.WideContext,
		Integration:    relay.Integration{Kind: kind, Model: req.Model},
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.store.InsertSpawnedCharacter(r.Context(), ch); err != nil {
		logging.Gateway("spawn %s in %s failed: %v", req.Name, req.ChannelID, err)
		writeError(w, http.StatusInternalServerError, "could not persist character")
		return
	}
	s.dir.Add(ch)
	logging.Gateway("spawned character %s (%s) in channel %s", ch.Name, ch.ID, ch.ChannelID)
	writeJSON(w, http.StatusCreated, summarize(ch, 0))
}

func (s *Server) deleteCharacter(w http.ResponseWriter, r *http.Request) {
	characterID := chi.URLParam(r, "characterID")
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id query parameter is required")
		return
	}

	if err := s.store.DeleteSpawnedCharacter(r.Context(), characterID); err != nil {
		logging.Gateway("remove character %s failed: %v", characterID, err)
		writeError(w, http.StatusInternalServerError, "could not remove character")
		return
	}
	s.dir.Remove(channelID, characterID)
	logging.Gateway("removed character %s from channel %s", characterID, channelID)
	w.WriteHeader(http.StatusNoContent)
}

// searchSession pins one query's full result set so page N is consistent
// with page 1 even as characters spawn and despawn underneath.
type searchSession struct {
	query   string
	results []characterSummary
}

func (s *Server) searchCharacters(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	sessionID := r.URL.Query().Get("session")
	page := 0
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "page must be a non-negative integer")
			return
		}
		page = n
	}

	var sess *searchSession
	if sessionID != "" {
		if v, ok := s.sessions.Get(sessionID); ok {
			sess = v.(*searchSession)
		}
	}
	if sess == nil {
		if query == "" {
			writeError(w, http.StatusBadRequest, "q is required to open a search session")
			return
		}
		chars, err := s.store.SearchSpawnedCharacters(r.Context(), query)
		if err != nil {
			logging.Gateway("character search %q failed: %v", query, err)
			writeError(w, http.StatusInternalServerError, "search failed")
			return
		}
		results := make([]characterSummary, 0, len(chars))
		for _, ch := range chars {
			results = append(results, summarize(ch, ch.MessagesSent))
		}
		sess = &searchSession{query: query, results: results}
		sessionID = uuid.NewString()
		s.sessions.Put(sessionID, sess)
	}

	start := page * searchPageSize
	if start > len(sess.results) {
		start = len(sess.results)
	}
	end := start + searchPageSize
	if end > len(sess.results) {
		end = len(sess.results)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":    sessionID,
		"query":      sess.query,
		"page":       page,
		"total":      len(sess.results),
		"characters": sess.results[start:end],
	})
}

func (s *Server) postUnblock(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.watchdog.Unblock(r.Context(), userID); err != nil {
		logging.Gateway("unblock %s failed: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "could not unblock user")
		return
	}
	logging.Gateway("unblocked user %s", userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putGuildBlock(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	userID := chi.URLParam(r, "userID")
	s.guilds.Block(guildID, userID)
	logging.Gateway("guild %s blocked user %s", guildID, userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteGuildBlock(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	userID := chi.URLParam(r, "userID")
	s.guilds.Unblock(guildID, userID)
	logging.Gateway("guild %s unblocked user %s", guildID, userID)
	w.WriteHeader(http.StatusNoContent)
}

func summarize(ch *relay.SpawnedCharacter, sent int) characterSummary {
	return characterSummary{
		ID:             ch.ID,
		ChannelID:      ch.ChannelID,
		Name:           ch.Name,
		CallPrefix:     ch.CallPrefix,
		FreewillChance: ch.FreewillChance,
		MessagesSent:   sent,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.GatewayDebug("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
