package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// WebhookChannel posts tickets to an external collaborator endpoint (a chat
// bridge, a notification service) and expects the collaborator's reference
// back in the response body.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPost struct {
	TicketID      string    `json:"ticket_id"`
	ActionID      string    `json:"action_id"`
	UserID        string    `json:"user_id"`
	Violations    []string  `json:"violations"`
	ExpiresAt     time.Time `json:"expires_at"`
	CallbackToken string    `json:"callback_token,omitempty"`
}

type webhookResponse struct {
	ExternalRef string `json:"external_ref"`
}

func (w *WebhookChannel) Post(ctx context.Context, t *contracts.ApprovalTicket, callbackToken string) (string, error) {
	body, err := json.Marshal(webhookPost{
		TicketID:      t.ID,
		ActionID:      t.ActionID,
		UserID:        t.UserID,
		Violations:    t.Violations,
		ExpiresAt:     t.ExpiresAt,
		CallbackToken: callbackToken,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("approval channel returned status %d", resp.StatusCode)
	}

	var out webhookResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		// Collaborator accepted the post but sent no parseable reference.
		return "", nil
	}
	return out.ExternalRef, nil
}
