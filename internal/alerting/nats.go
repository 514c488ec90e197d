package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"driftwatch/internal/alert"
)

// NATSConfig tunes the NATS channel.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// NATSSink publishes alerts to a NATS subject for downstream consumers
// (paging bridges, audit loggers).
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSSink connects to the broker and constructs a NATSSink.
func NewNATSSink(cfg NATSConfig, logger zerolog.Logger) (*NATSSink, error) {
	if cfg.Subject == "" {
		cfg.Subject = "driftwatch.alerts"
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("driftwatch"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{
		conn:    conn,
		subject: cfg.Subject,
		logger:  logger.With().Str("component", "alert_nats").Logger(),
	}, nil
}

// Deliver publishes the alert as JSON.
func (s *NATSSink) Deliver(ctx context.Context, a alert.Alert) error {
	body, err := json.Marshal(webhookPayload{Alert: a, Message: renderMessage(a)})
	if err != nil {
		return fmt.Errorf("marshal nats payload: %w", err)
	}
	if err := s.conn.Publish(s.subject, body); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	s.logger.Info().Str("alert_id", a.ID).Str("subject", s.subject).Msg("alert published")
	return nil
}

// Close drains the connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

var _ Sink = (*NATSSink)(nil)
