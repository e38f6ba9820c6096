package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// Kafka header keys set on published lifecycle events.
const (
	HeaderEventType = "event-type"
	HeaderOrgID     = "org-id"
	HeaderOutboxID  = "outbox-id"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher delivers outbox entries to a Kafka topic keyed by org so a
// tenant's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *logging.Logger
}

// NewKafkaPublisher builds a synchronous writer; the Deliverer provides the
// retry loop, so the writer's own attempts are kept low.
func NewKafkaPublisher(brokers []string, topic string, logger *logging.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events: at least one kafka broker is required")
	}
	if topic == "" {
		return nil, errors.New("events: kafka topic cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            compress.Snappy,
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Logger:                 kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error("kafka writer error", "detail", fmt.Sprintf(msg, args...))
		}),
	}
	return newKafkaPublisher(writer, topic, logger), nil
}

func newKafkaPublisher(writer messageWriter, topic string, logger *logging.Logger) *KafkaPublisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger}
}

// Handle implements DeliveryHandler.
func (p *KafkaPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	msg := kafka.Message{
		Key:   []byte(entry.OrgID),
		Value: entry.Payload,
		Time:  entry.CreatedAt,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(entry.Type)},
			{Key: HeaderOrgID, Value: []byte(entry.OrgID)},
			{Key: HeaderOutboxID, Value: []byte(entry.ID.String())},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: publish %s to %s: %w", entry.Type, p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher is the DeliveryHandler used when no broker is configured.
type LogPublisher struct {
	logger *logging.Logger
}

func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Handle(_ context.Context, entry OutboxEntry) error {
	p.logger.Info("booking lifecycle event", "outbox_id", entry.ID, "type", entry.Type, "org_id", entry.OrgID)
	return nil
}
