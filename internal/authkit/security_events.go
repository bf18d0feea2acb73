package authkit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	// SecurityEventRefreshReuse is emitted when a superseded refresh token is presented.
	SecurityEventRefreshReuse = "refresh.reuse_detected"
	// SecurityEventPasswordChanged is emitted after a successful password change.
	SecurityEventPasswordChanged = "password.changed"
)

// SecurityEvent is an auditable occurrence on an identity.
type SecurityEvent struct {
	Kind       string            `json:"kind"`
	IdentityID string            `json:"identity_id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// SecurityEventPublisher delivers security events. Failures never change an auth outcome.
type SecurityEventPublisher interface {
	Publish(ctx context.Context, event SecurityEvent) error
}

// LogSecurityEventPublisher writes events to the structured log.
type LogSecurityEventPublisher struct {
	logger *zap.Logger
}

// NewLogSecurityEventPublisher constructs a log-backed publisher.
func NewLogSecurityEventPublisher(logger *zap.Logger) *LogSecurityEventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSecurityEventPublisher{logger: logger}
}

func (publisher *LogSecurityEventPublisher) Publish(ctx context.Context, event SecurityEvent) error {
	publisher.logger.Warn("security event",
		zap.String("code", "security."+event.Kind),
		zap.String("identity_id", event.IdentityID),
		zap.Time("occurred_at", event.OccurredAt),
		zap.Any("detail", event.Detail),
	)
	return nil
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// KafkaSecurityEventPublisher writes JSON events keyed by identity id.
type KafkaSecurityEventPublisher struct {
	writer kafkaMessageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaSecurityEventPublisher builds a hash-balanced writer for the topic.
func NewKafkaSecurityEventPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaSecurityEventPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newKafkaSecurityEventPublisher(writer, topic, logger)
}

func newKafkaSecurityEventPublisher(writer kafkaMessageWriter, topic string, logger *zap.Logger) *KafkaSecurityEventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSecurityEventPublisher{
		writer: writer,
		topic:  topic,
		logger: logger.With(zap.String("component", "kafka.security_events"), zap.String("topic", topic)),
	}
}

func (publisher *KafkaSecurityEventPublisher) Publish(ctx context.Context, event SecurityEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("security_events.kafka.encode: %w", err)
	}
	message := kafka.Message{Key: []byte(event.IdentityID), Value: value}
	if err := publisher.writer.WriteMessages(ctx, message); err != nil {
		publisher.logger.Error("kafka write failed", zap.String("code", "security_events.publish_failed"), zap.Error(err))
		return fmt.Errorf("security_events.kafka.write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (publisher *KafkaSecurityEventPublisher) Close() error {
	return publisher.writer.Close()
}
