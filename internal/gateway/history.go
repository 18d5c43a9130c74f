package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"charrelay/internal/relay"
)

// platformMessage is the platform's wire shape for a channel message.
// Only the fields the freewill context builder reads are decoded.
type platformMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Content   string `json:"content"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
	WebhookID string `json:"webhook_id"`
}

// HistoryClient reads recent channel messages from the platform REST API.
// It is the wide-context collaborator; failures here degrade freewill to
// "no candidate" and never fail dispatch.
type HistoryClient struct {
	baseURL  string
	botToken string
	http     *http.Client
}

// NewHistoryClient creates a reader against the platform API base URL.
func NewHistoryClient(baseURL, botToken string) *HistoryClient {
	return &HistoryClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		botToken: botToken,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchRecentMessages returns up to count messages, newest first, which is
// the order the platform serves them in.
func (c *HistoryClient) FetchRecentMessages(ctx context.Context, channelID string, count int) ([]relay.Message, error) {
	if count <= 0 {
		count = 30
	}
	url := fmt.Sprintf("%s/channels/%s/messages?limit=%d", c.baseURL, channelID, count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	if c.botToken != "" {
		req.Header.Set("Authorization", "Bot "+c.botToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history for channel %s: %w", channelID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history for channel %s: status %d", channelID, resp.StatusCode)
	}

	var raw []platformMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode history for channel %s: %w", channelID, err)
	}

	out := make([]relay.Message, 0, len(raw))
	for _, m := range raw {
		authorID := m.Author.ID
		if m.WebhookID != "" {
			// Webhook posts carry the webhook identity, which is how the
			// directory recognizes a character's own messages.
			authorID = m.WebhookID
		}
		out = append(out, relay.Message{
			ID:         m.ID,
			ChannelID:  m.ChannelID,
			GuildID:    m.GuildID,
			AuthorID:   authorID,
			AuthorName: m.Author.Username,
			Content:    m.Content,
			FromBot:    m.Author.Bot || m.WebhookID != "",
		})
	}
	return out, nil
}

var _ relay.HistoryReader = (*HistoryClient)(nil)
