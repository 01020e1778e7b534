package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer        MessageWriter
	locationTopic string
	statusTopic   string
}

func NewKafkaPublisher(brokers []string, locationTopic, statusTopic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return NewKafkaPublisherWithWriter(w, locationTopic, statusTopic)
}

func NewKafkaPublisherWithWriter(w MessageWriter, locationTopic, statusTopic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, locationTopic: locationTopic, statusTopic: statusTopic}
}

// PublishLocation keys by driver ID so one driver's updates stay ordered
// within a partition.
func (k *KafkaPublisher) PublishLocation(ctx context.Context, ev models.LocationUpdatedEvent) error {
	return k.publish(ctx, k.locationTopic, ev.DriverID, "location.updated", ev)
}

func (k *KafkaPublisher) PublishPresence(ctx context.Context, ev models.DriverPresenceEvent) error {
	return k.publish(ctx, k.statusTopic, ev.DriverID, string(ev.Type), ev)
}

func (k *KafkaPublisher) publish(ctx context.Context, topic, key, eventType string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(uuid.NewString())},
			{Key: "event_type", Value: []byte(eventType)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: kafka publish %s: %w", models.ErrTransientStorage, eventType, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
