package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"charrelay/internal/logging"
	"charrelay/internal/relay"
)

// webhookClient is one cached per-webhook HTTP client. Kept in a TTL
// cache so idle webhooks do not pin connections forever.
type webhookClient struct {
	execURL string
	http    *http.Client
}

// WebhookSender posts responses through the platform's webhook-execute
// endpoint, one cached client per webhook identity.
type WebhookSender struct {
	baseURL string
	clients *relay.ExpiringCache
	timeout time.Duration
}

// NewWebhookSender creates a sender against the platform API base URL.
func NewWebhookSender(baseURL string, ttl time.Duration) *WebhookSender {
	s := &WebhookSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: 15 * time.Second,
	}
	s.clients = relay.NewExpiringCache("webhook-client", ttl, func(key string, value interface{}) {
		if c, ok := value.(*webhookClient); ok {
			c.http.CloseIdleConnections()
		}
	})
	return s
}

// Clients exposes the webhook-client cache for the process sweep loop.
func (s *WebhookSender) Clients() *relay.ExpiringCache {
	return s.clients
}

// Send posts text as the character's webhook identity and returns the
// created message id.
func (s *WebhookSender) Send(ctx context.Context, ch *relay.SpawnedCharacter, text string) (string, error) {
	client := s.client(ch)

	body, err := json.Marshal(map[string]interface{}{
		"content":  text,
		"username": ch.Name,
		"wait":     true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.execURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute webhook %s: %w", ch.WebhookID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook %s status %d", ch.WebhookID, resp.StatusCode)
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.ID == "" {
		// Some platforms return 204 with no body; synthesize nothing and
		// let state tracking carry an empty id rather than failing a
		// successfully delivered message.
		logging.GatewayDebug("webhook %s returned no message id", ch.WebhookID)
		return "", nil
	}
	return parsed.ID, nil
}

func (s *WebhookSender) client(ch *relay.SpawnedCharacter) *webhookClient {
	if v, ok := s.clients.Get(ch.WebhookID); ok {
		return v.(*webhookClient)
	}
	c := &webhookClient{
		execURL: fmt.Sprintf("%s/webhooks/%s/%s", s.baseURL, ch.WebhookID, ch.WebhookToken),
		http:    &http.Client{Timeout: s.timeout},
	}
	s.clients.Put(ch.WebhookID, c)
	return c
}

var _ relay.Sender = (*WebhookSender)(nil)
