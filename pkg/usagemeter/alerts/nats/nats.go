// Package nats publishes usage alerts to NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// DefaultSubject is the subject prefix alerts are published under.
// The limit type is appended, e.g. "usagemeter.alerts.scan".
const DefaultSubject = "usagemeter.alerts"

// DefaultStream is the stream that captures DefaultSubject.
const DefaultStream = "USAGE_ALERTS"

// Publisher is the subset of jetstream.JetStream the sink needs
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Message is the JSON payload of a published alert
type Message struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Tier            string    `json:"tier"`
	LimitType       string    `json:"limit_type"`
	UsagePercentage float64   `json:"usage_percentage"`
	Remaining       int       `json:"remaining"`
	DaysUntilReset  int       `json:"days_until_reset"`
	DetectedAt      time.Time `json:"detected_at"`
}

// NewMessage converts an alert to its wire payload
func NewMessage(a usagemeter.UsageAlert) Message {
	return Message{
		ID:              a.ID,
		UserID:          a.UserID,
		Tier:            a.Tier,
		LimitType:       string(a.LimitType),
		UsagePercentage: a.UsagePercentage,
		Remaining:       a.Remaining,
		DaysUntilReset:  a.DaysUntilReset,
		DetectedAt:      a.DetectedAt,
	}
}

// Sink implements usagemeter.AlertSink on top of JetStream
type Sink struct {
	js      Publisher
	subject string
	logger  usagemeter.Logger
}

// NewSink creates a Sink. An empty subject uses DefaultSubject.
func NewSink(js Publisher, subject string, logger usagemeter.Logger) *Sink {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = &usagemeter.NoopLogger{}
	}
	return &Sink{js: js, subject: subject, logger: logger}
}

// Subject returns the subject an alert is published on
func (s *Sink) Subject(lt usagemeter.LimitType) string {
	return s.subject + "." + string(lt)
}

// Publish sends every alert as its own message, using the alert ID for
// JetStream de-duplication. All alerts are attempted; failures are joined.
func (s *Sink) Publish(ctx context.Context, alerts []usagemeter.UsageAlert) error {
	var errs []error
	for i := range alerts {
		a := alerts[i]
		payload, err := json.Marshal(NewMessage(a))
		if err != nil {
			errs = append(errs, fmt.Errorf("marshaling alert %s: %w", a.ID, err))
			continue
		}
		subject := s.Subject(a.LimitType)
		if _, err := s.js.Publish(ctx, subject, payload, jetstream.WithMsgID(a.ID)); err != nil {
			s.logger.Warn("failed to publish usage alert",
				usagemeter.Field{Key: "subject", Value: subject},
				usagemeter.Field{Key: "userID", Value: a.UserID},
				usagemeter.Field{Key: "error", Value: err.Error()},
			)
			errs = append(errs, fmt.Errorf("publishing to %s: %w", subject, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Client owns a NATS connection and its JetStream context
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// Connect dials url and makes sure the alert stream exists
func Connect(ctx context.Context, url, subject string, logger usagemeter.Logger) (*Client, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = &usagemeter.NoopLogger{}
	}

	nc, err := nats.Connect(url,
		nats.Name("usagemeter"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", usagemeter.Field{Key: "error", Value: err.Error()})
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       DefaultStream,
		Subjects:   []string{subject + ".>"},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating stream %s: %w", DefaultStream, err)
	}

	logger.Info("connected to NATS", usagemeter.Field{Key: "url", Value: url})
	return &Client{conn: nc, js: js}, nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Healthy reports whether the connection is up
func (c *Client) Healthy() bool {
	return c.conn.IsConnected()
}

// Close drains the connection
func (c *Client) Close() error {
	return c.conn.Drain()
}
