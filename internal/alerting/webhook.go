package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/internal/alert"
)

// WebhookConfig tunes the webhook channel.
type WebhookConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

// WebhookSink POSTs alerts as JSON to a configured URL, retrying transient
// failures with exponential backoff.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
	logger zerolog.Logger
}

// webhookPayload is the wire shape pushed to the webhook endpoint.
type webhookPayload struct {
	Alert   alert.Alert `json:"alert"`
	Message string      `json:"message"`
}

// NewWebhookSink constructs a WebhookSink.
func NewWebhookSink(cfg WebhookConfig, logger zerolog.Logger) *WebhookSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Deliver posts the alert, retrying up to MaxRetries with doubling backoff.
func (s *WebhookSink) Deliver(ctx context.Context, a alert.Alert) error {
	body, err := json.Marshal(webhookPayload{Alert: a, Message: renderMessage(a)})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	backoff := s.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		lastErr = s.post(ctx, body)
		if lastErr == nil {
			s.logger.Info().Str("alert_id", a.ID).Int("attempt", attempt).Msg("alert delivered")
			return nil
		}

		s.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("webhook delivery attempt failed")
		if attempt == s.cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return fmt.Errorf("deliver webhook after %d attempts: %w", s.cfg.MaxRetries, lastErr)
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Sink = (*WebhookSink)(nil)
