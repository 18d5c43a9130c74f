package relay

import (
	"context"
	"sync"
	"time"
)

// Hand-written mocks with injectable behavior per test.

type mockCharacterStore struct {
	mu       sync.Mutex
	loadFunc func(ctx context.Context, channelID string) ([]*SpawnedCharacter, error)
	saved    []*SpawnedCharacter
	saveErr  error
}

func (m *mockCharacterStore) LoadSpawnedCharacters(ctx context.Context, channelID string) ([]*SpawnedCharacter, error) {
	if m.loadFunc != nil {
		return m.loadFunc(ctx, channelID)
	}
	return nil, nil
}

func (m *mockCharacterStore) SaveCharacterState(ctx context.Context, ch *SpawnedCharacter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, ch)
	return m.saveErr
}

func (m *mockCharacterStore) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

type mockBlockStore struct {
	mu        sync.Mutex
	loadFunc  func(ctx context.Context) ([]BlockedUser, error)
	added     []BlockedUser
	removed   []string
	addErr    error
	removeErr error
}

func (m *mockBlockStore) LoadBlockedUsers(ctx context.Context) ([]BlockedUser, error) {
	if m.loadFunc != nil {
		return m.loadFunc(ctx)
	}
	return nil, nil
}

func (m *mockBlockStore) AddBlockedUser(ctx context.Context, b BlockedUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, b)
	return m.addErr
}

func (m *mockBlockStore) RemoveBlockedUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, userID)
	return m.removeErr
}

type mockBackend struct {
	mu          sync.Mutex
	respondFunc func(ctx context.Context, ch *SpawnedCharacter, text string) (string, error)
	calls       []string
}

func (m *mockBackend) Respond(ctx context.Context, ch *SpawnedCharacter, text string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	m.mu.Unlock()
	if m.respondFunc != nil {
		return m.respondFunc(ctx, ch, text)
	}
	return "reply to: " + text, nil
}

func (m *mockBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type sentMessage struct {
	characterID string
	text        string
}

type mockSender struct {
	mu       sync.Mutex
	sendFunc func(ctx context.Context, ch *SpawnedCharacter, text string) (string, error)
	sent     []sentMessage
}

func (m *mockSender) Send(ctx context.Context, ch *SpawnedCharacter, text string) (string, error) {
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{characterID: ch.ID, text: text})
	m.mu.Unlock()
	if m.sendFunc != nil {
		return m.sendFunc(ctx, ch, text)
	}
	return "sent-1", nil
}

func (m *mockSender) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type mockHistory struct {
	fetchFunc func(ctx context.Context, channelID string, count int) ([]Message, error)
}

func (m *mockHistory) FetchRecentMessages(ctx context.Context, channelID string, count int) ([]Message, error) {
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, channelID, count)
	}
	return nil, nil
}

type mockNotifier struct {
	mu       sync.Mutex
	warnings []string
	blocks   []string
	errors   []string
}

func (m *mockNotifier) NotifyWarning(ctx context.Context, userID, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings = append(m.warnings, userID)
}

func (m *mockNotifier) NotifyBlocked(ctx context.Context, userID string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = append(m.blocks, userID)
}

func (m *mockNotifier) ReportError(ctx context.Context, scope string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, scope)
}

func (m *mockNotifier) warningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.warnings)
}

func (m *mockNotifier) blockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// testCharacter builds a minimal character for directory tests.
func testCharacter(id, channel, prefix string) *SpawnedCharacter {
	return &SpawnedCharacter{
		ID:         id,
		ChannelID:  channel,
		Name:       "char-" + id,
		WebhookID:  "wh-" + id,
		CallPrefix: prefix,
		CreatedAt:  time.Now(),
	}
}
