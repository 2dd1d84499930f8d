// Package notify delivers operator-facing messages. The engine treats
// delivery as best-effort; a failed notification never blocks the
// pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Webhook posts messages to a JSON webhook endpoint, compatible with
// Discord and Slack incoming webhooks.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhook creates a webhook notifier.
func NewWebhook(url string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

type webhookPayload struct {
	ChannelID string `json:"channelId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	Label     string `json:"label,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Send posts a message for the given channel.
func (w *Webhook) Send(ctx context.Context, channelID, message string) error {
	return w.post(ctx, webhookPayload{ChannelID: channelID, Content: message})
}

// SetThreadLabel posts a rename event for the given thread.
func (w *Webhook) SetThreadLabel(ctx context.Context, threadID, label string) error {
	return w.post(ctx, webhookPayload{ThreadID: threadID, Label: label})
}

func (w *Webhook) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Nop discards all notifications. Used when no webhook is configured
// and in tests.
type Nop struct{}

// Send discards the message.
func (Nop) Send(ctx context.Context, channelID, message string) error { return nil }

// SetThreadLabel discards the rename.
func (Nop) SetThreadLabel(ctx context.Context, threadID, label string) error { return nil }
