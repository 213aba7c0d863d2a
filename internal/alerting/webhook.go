package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookAlerter posts alerts as JSON to an HTTP endpoint, for chat
// integrations and pager bridges.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates a webhook alerter for url.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies the channel.
func (w *WebhookAlerter) Name() string {
	return "webhook"
}

type webhookPayload struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Details  string `json:"details,omitempty"`
	SentAt   string `json:"sent_at"`
}

// Alert posts the alert and fails on any non-2xx response.
func (w *WebhookAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	body, err := json.Marshal(webhookPayload{
		Severity: severity.String(),
		Message:  message,
		Details:  FormatFields(fields...),
		SentAt:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
