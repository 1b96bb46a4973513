package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kindful-app/kindful/internal/db"
)

// WebhookSender posts reminder payloads to a group-configured HTTP
// endpoint.
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	Timeout time.Duration
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send posts the reminder as JSON. 2xx counts as delivered; 4xx is a
// permanent failure, everything else is retryable.
func (s *WebhookSender) Send(ctx context.Context, msg *Message) (string, error) {
	if msg.Channel != db.ChannelWebhook {
		return "", Permanent(fmt.Errorf("webhook sender only supports webhooks, got: %s", msg.Channel))
	}
	if msg.To == "" {
		return "", Permanent(fmt.Errorf("webhook message missing url"))
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", Permanent(fmt.Errorf("marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.To, bytes.NewReader(body))
	if err != nil {
		return "", Permanent(fmt.Errorf("failed to create webhook request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Kindful/1.0")
	req.Header.Set("X-Kindful-Send-ID", msg.SendID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", Permanent(fmt.Errorf("webhook rejected with status %d: %s", resp.StatusCode, string(preview)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	s.logger.Info("webhook delivered",
		zap.String("send_id", msg.SendID.String()),
		zap.String("url", msg.To),
		zap.Int("status_code", resp.StatusCode),
	)

	return fmt.Sprintf("webhook-%d-%s", resp.StatusCode, msg.SendID), nil
}

// SupportsChannel checks if this sender supports webhooks
func (s *WebhookSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWebhook
}
