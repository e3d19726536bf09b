package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is the NATS subject alert events are published on.
const DefaultSubject = "projectx.alerts"

// AlertEvent describes the outcome of one ingested message.
type AlertEvent struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	DeviceID   string    `json:"device_id"`
	Source     string    `json:"source"`
	Sender     string    `json:"sender"`
	Urgency    string    `json:"urgency"`
	Reason     string    `json:"reason"`
	SMSSent    bool      `json:"sms_sent"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher sends raw payloads to a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// AlertPublisher emits alert events.
type AlertPublisher interface {
	PublishAlert(event AlertEvent) error
}

// NATSPublisher encodes alert events as JSON and publishes them.
type NATSPublisher struct {
	publisher Publisher
	subject   string
	clock     func() time.Time
	logger    *zap.Logger
}

// NewNATSPublisher wraps a connection. An empty subject uses DefaultSubject.
func NewNATSPublisher(publisher Publisher, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("events: publisher is required")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{publisher: publisher, subject: subject, clock: time.Now, logger: logger}, nil
}

// PublishAlert stamps and publishes one event.
func (p *NATSPublisher) PublishAlert(event AlertEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.clock().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode alert %s: %w", event.MessageID, err)
	}
	if err := p.publisher.Publish(p.subject, payload); err != nil {
		p.logger.Warn("alert event publish failed",
			zap.String("subject", p.subject),
			zap.String("message_id", event.MessageID),
			zap.Error(err),
		)
		return fmt.Errorf("events: publish alert %s: %w", event.MessageID, err)
	}
	return nil
}

// Subject returns the destination subject.
func (p *NATSPublisher) Subject() string {
	return p.subject
}

// Noop discards events. It is used when no NATS URL is configured.
type Noop struct{}

func (Noop) PublishAlert(AlertEvent) error {
	return nil
}

// Connect dials NATS with a client name and unbounded reconnects.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("projectx-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", url, err)
	}
	return conn, nil
}
