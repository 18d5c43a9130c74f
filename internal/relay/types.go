// Package relay implements the message-dispatch and admission-control
// engine: given an inbound channel message it decides which spawned
// characters respond, serializes and paces the backend calls per character,
// and enforces the per-user abuse watchdog.
package relay

import (
	"context"
	"errors"
	"time"
)

// IntegrationKind identifies which conversational backend a character is
// wired to. It is a closed set; the backend facade resolves it exactly once
// per call, nothing else in the engine switches on it.
type IntegrationKind int

const (
	IntegrationGemini IntegrationKind = iota
	IntegrationOpenAI
)

func (k IntegrationKind) String() string {
	switch k {
	case IntegrationGemini:
		return "gemini"
	case IntegrationOpenAI:
		return "openai"
	default:
		return "unknown"
	}
}

// Integration describes a character's backend binding. State is an opaque
// blob owned by the backend (session token, conversation cursor).
type Integration struct {
	Kind  IntegrationKind
	Model string
	State string
}

// SpawnedCharacter is the persisted identity a backend speaks through.
// The engine mutates only the runtime state fields (last caller, last
// response, messages sent); creation and deletion are external operations.
type SpawnedCharacter struct {
	ID           string
	ChannelID    string
	GuildID      string
	Name         string
	WebhookID    string
	WebhookToken string
	CallPrefix   string

	// Persona and formatting.
	Persona       string
	MessageFormat string // Placeholders: {user}, {message}. Empty means {message}.

	// Pacing and freewill tuning.
	ResponseDelay  time.Duration
	FreewillChance int // 0-100
	WideContext    int // Character budget for freewill context; 0 disables

	// Feature flags surfaced to the outer product.
	EnableSwipes bool
	EnableQuotes bool
	EnableStop   bool

	// Runtime state, updated after each successful response.
	LastCallerID   string
	LastResponseID string
	MessagesSent   int

	Integration Integration
	CreatedAt   time.Time
}

// Clone returns a copy safe to hand to the storage collaborator while the
// cached original keeps mutating.
func (c *SpawnedCharacter) Clone() *SpawnedCharacter {
	cp := *c
	return &cp
}

// MessageRef points at the message an inbound message replies to.
type MessageRef struct {
	MessageID  string
	AuthorID   string
	AuthorName string
	Content    string
}

// Message is one inbound channel event as delivered by the platform
// gateway. AuthorID is a webhook identity when FromBot is set.
type Message struct {
	ID         string      `json:"id"`
	ChannelID  string      `json:"channel_id"`
	GuildID    string      `json:"guild_id"`
	AuthorID   string      `json:"author_id"`
	AuthorName string      `json:"author_name"`
	Content    string      `json:"content"`
	FromBot    bool        `json:"from_bot"`
	Reference  *MessageRef `json:"reference,omitempty"`
}

// BlockedUser is one persisted watchdog block.
type BlockedUser struct {
	UserID       string
	BlockedAt    time.Time
	BlockedUntil time.Time
}

// Sentinel errors. Queue overflow and duplicate enqueue are expected
// outcomes, not failures; they exist so tests and logs can name them.
var (
	ErrQueueFull       = errors.New("admission queue full")
	ErrAlreadyQueued   = errors.New("caller already queued")
	ErrTurnTimeout     = errors.New("gave up waiting for queue turn")
	ErrBackendNotReady = errors.New("backend not ready")
)

// CharacterStore is the persistence collaborator for character state.
type CharacterStore interface {
	LoadSpawnedCharacters(ctx context.Context, channelID string) ([]*SpawnedCharacter, error)
	SaveCharacterState(ctx context.Context, ch *SpawnedCharacter) error
}

// BlockStore persists watchdog blocks. The in-memory blocked set is a
// write-through cache over this store.
type BlockStore interface {
	LoadBlockedUsers(ctx context.Context) ([]BlockedUser, error)
	AddBlockedUser(ctx context.Context, b BlockedUser) error
	RemoveBlockedUser(ctx context.Context, userID string) error
}

// BackendCaller is the backend call facade. Implementations return
// ErrBackendNotReady (wrapped) for transient conditions the caller may
// retry later; any other error is fatal for this call.
type BackendCaller interface {
	Respond(ctx context.Context, ch *SpawnedCharacter, text string) (string, error)
}

// Sender posts a response through a character's webhook identity and
// returns the platform message id.
type Sender interface {
	Send(ctx context.Context, ch *SpawnedCharacter, text string) (string, error)
}

// HistoryReader fetches recent channel messages, newest first. Used only
// by the freewill wide-context path.
type HistoryReader interface {
	FetchRecentMessages(ctx context.Context, channelID string, count int) ([]Message, error)
}

// Notifier delivers best-effort, fire-and-forget notifications.
// Implementations must never block dispatch and must swallow their own
// delivery failures (after logging them).
type Notifier interface {
	NotifyWarning(ctx context.Context, userID, channelID string)
	NotifyBlocked(ctx context.Context, userID string, until time.Time)
	ReportError(ctx context.Context, scope string, err error)
}
