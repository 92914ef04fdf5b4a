package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/csbot-dev/csbot/pkg/domain"
	"github.com/csbot-dev/csbot/pkg/log"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxWebhookResponse    = 500
)

// Notifier delivers escalation events to the configured support
// webhook and records the outcome. Delivery failures are recorded, not
// returned as chat errors: the user already got the escalation message.
type Notifier struct {
	webhookURL string
	store      domain.SessionStore
	client     *http.Client
	logger     *slog.Logger
}

// NewNotifier creates a webhook notifier. An empty URL disables
// delivery; events are still recorded locally.
func NewNotifier(webhookURL string, timeout time.Duration, store domain.SessionStore) *Notifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Notifier{
		webhookURL: webhookURL,
		store:      store,
		client:     &http.Client{Timeout: timeout},
		logger:     log.WithModule("escalation"),
	}
}

type webhookPayload struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	Reason    string `json:"reason"`
}

// Notify posts the escalation to the webhook and persists the event.
// A transport failure records status 0 with the error text.
func (n *Notifier) Notify(ctx context.Context, sessionID, query, reason string) error {
	ev := &domain.EscalationEvent{
		SessionID: sessionID,
		Query:     query,
		Reason:    reason,
	}

	if n.webhookURL != "" {
		status, body, err := n.deliver(ctx, sessionID, query, reason)
		if err != nil {
			n.logger.Warn("escalation webhook delivery failed",
				"session_id", sessionID, "error", err)
			ev.WebhookStatus = 0
			ev.WebhookResponse = truncate(err.Error(), maxWebhookResponse)
		} else {
			ev.WebhookStatus = status
			ev.WebhookResponse = truncate(body, maxWebhookResponse)
			if status < 200 || status >= 300 {
				n.logger.Warn("escalation webhook rejected",
					"session_id", sessionID, "status", status)
			}
		}
	}

	if err := n.store.RecordEscalation(ctx, ev); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEscalationFailed, err)
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, sessionID, query, reason string) (int, string, error) {
	payload, err := json.Marshal(webhookPayload{
		SessionID: sessionID,
		Query:     query,
		Reason:    reason,
	})
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse+1))
	if err != nil {
		return resp.StatusCode, "", nil
	}
	return resp.StatusCode, string(body), nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
