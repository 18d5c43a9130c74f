// Package notify implements the fire-and-forget notifier collaborators.
// Every notification is best-effort: delivery failures are logged, never
// propagated, and never block dispatch.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"charrelay/internal/actions"
	"charrelay/internal/logging"
	"charrelay/internal/relay"
)

// Notifier logs every event and, when an ops webhook URL is configured,
// forwards error reports and give-ups there as JSON. It implements both
// relay.Notifier and actions.Notifier.
type Notifier struct {
	opsWebhookURL string
	httpClient    *http.Client
}

// New creates a notifier. opsWebhookURL may be empty (log-only mode).
func New(opsWebhookURL string) *Notifier {
	return &Notifier{
		opsWebhookURL: opsWebhookURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyWarning tells a user they are close to the rate limit.
func (n *Notifier) NotifyWarning(ctx context.Context, userID, channelID string) {
	logging.Watchdog("warning issued to user %s in channel %s", userID, channelID)
}

// NotifyBlocked records that a user was blocked.
func (n *Notifier) NotifyBlocked(ctx context.Context, userID string, until time.Time) {
	logging.Watchdog("block notice for user %s until %s", userID, until.Format(time.RFC3339))
	n.post(map[string]interface{}{
		"event": "user_blocked",
		"user":  userID,
		"until": until.Format(time.RFC3339),
	})
}

// NotifyGiveUp tells an action's requester the operation was abandoned.
func (n *Notifier) NotifyGiveUp(ctx context.Context, a *actions.Action) {
	logging.Actions("give-up notice for action %s (%s) to requester %s", a.ID, a.Kind, a.RequesterID)
	n.post(map[string]interface{}{
		"event":     "action_give_up",
		"action":    a.ID,
		"kind":      string(a.Kind),
		"requester": a.RequesterID,
		"attempts":  a.Attempt,
	})
}

// ReportError routes an unexpected error to the ops channel.
func (n *Notifier) ReportError(ctx context.Context, scope string, err error) {
	logging.Get(logging.CategoryDispatch).Error("%s: %v", scope, err)
	n.post(map[string]interface{}{
		"event": "error",
		"scope": scope,
		"error": err.Error(),
	})
}

// post ships the payload to the ops webhook in a fenced goroutine. A
// notification failure is itself only logged; it must not cascade.
func (n *Notifier) post(payload map[string]interface{}) {
	if n.opsWebhookURL == "" {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Get(logging.CategoryDispatch).Error("notifier panic: %v", r)
			}
		}()

		body, err := json.Marshal(payload)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.opsWebhookURL, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.httpClient.Do(req)
		if err != nil {
			logging.Get(logging.CategoryDispatch).Warn("ops notification failed: %v", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			logging.Get(logging.CategoryDispatch).Warn("ops notification rejected: %s", resp.Status)
		}
	}()
}

var (
	_ relay.Notifier   = (*Notifier)(nil)
	_ actions.Notifier = (*Notifier)(nil)
)
