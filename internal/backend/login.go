package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"charrelay/internal/actions"
)

// KindSessionLogin is the stored-action kind for email-confirmation login
// flows: some backends only hand out a session token after the account
// owner clicks a link, which can take minutes.
const KindSessionLogin actions.Kind = "session-login"

// loginPayload is the opaque payload of a session-login action.
type loginPayload struct {
	PollURL string `json:"poll_url"`
	Token   string `json:"token"`
}

// NewLoginContinuation returns a continuation that polls the backend's
// login endpoint. A 2xx answer finishes the action; 202 and 425 mean the
// confirmation has not arrived yet and map to actions.ErrNotReady.
func NewLoginContinuation(client *http.Client) actions.Continuation {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	return func(ctx context.Context, a *actions.Action) error {
		var p loginPayload
		if err := json.Unmarshal([]byte(a.Payload), &p); err != nil {
			return fmt.Errorf("bad login payload: %w", err)
		}
		if p.PollURL == "" {
			return fmt.Errorf("login payload missing poll_url")
		}

		body, _ := json.Marshal(map[string]string{"token": p.Token})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.PollURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build login poll: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			// Network trouble is worth another tick, not a cancel.
			return fmt.Errorf("%w: %v", actions.ErrNotReady, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusTooEarly:
			return actions.ErrNotReady
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		default:
			return fmt.Errorf("login poll status %d", resp.StatusCode)
		}
	}
}
