package reminder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"salesdesk/assistant/internal/conversation"
)

const DefaultText = "Hi! Just checking in: do you still have questions about our products? Reply any time and we will pick up where we left off."

// Sender delivers a reminder to one user over the messaging transport.
type Sender interface {
	SendReminder(ctx context.Context, userID string, rec conversation.Record) error
}

// LogSender only records that a reminder would have been sent.
type LogSender struct {
	Logger *slog.Logger
	Text   string
}

func (s LogSender) SendReminder(_ context.Context, userID string, rec conversation.Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("reminder dispatched",
		"user_id", userID,
		"last_update", rec.LastUpdate.Time().UTC(),
		"messages", len(rec.Messages),
		"text", s.Text,
	)
	return nil
}

// WebhookSender posts {"userId", "text"} to the transport's outbound
// webhook.
type WebhookSender struct {
	url    string
	text   string
	client *http.Client
}

func NewWebhookSender(url, text string, timeout time.Duration) (*WebhookSender, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if text == "" {
		text = DefaultText
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{url: url, text: text, client: &http.Client{Timeout: timeout}}, nil
}

type webhookPayload struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

func (s *WebhookSender) SendReminder(ctx context.Context, userID string, _ conversation.Record) error {
	body, err := json.Marshal(webhookPayload{UserID: userID, Text: s.text})
	if err != nil {
		return fmt.Errorf("encode reminder: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build reminder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post reminder: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post reminder: unexpected status %d", resp.StatusCode)
	}
	return nil
}
