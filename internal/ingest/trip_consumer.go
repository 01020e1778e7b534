package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

const maxReadBackoff = 30 * time.Second

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TripHandler receives each decoded trip-created event.
type TripHandler func(ctx context.Context, ev models.TripCreatedEvent) error

// TripConsumer reads trip-created events and hands them to the offer
// registry. Offsets are committed once a message is handled or given up on.
type TripConsumer struct {
	reader   MessageReader
	handle   TripHandler
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

func NewTripConsumer(brokers []string, topic, group string, handle TripHandler, logger *slog.Logger) *TripConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	return NewTripConsumerWithReader(r, handle, logger)
}

func NewTripConsumerWithReader(r MessageReader, handle TripHandler, logger *slog.Logger) *TripConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TripConsumer{reader: r, handle: handle, logger: logger, attempts: 3, delay: 200 * time.Millisecond}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially
// up to 30s.
func (c *TripConsumer) Run(ctx context.Context) error {
	wait := time.Second
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read error, backing off", "error", err, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			wait *= 2
			if wait > maxReadBackoff {
				wait = maxReadBackoff
			}
			continue
		}
		wait = time.Second

		c.process(ctx, m)
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("commit failed", "offset", m.Offset, "partition", m.Partition, "error", err)
		}
	}
}

func (c *TripConsumer) process(ctx context.Context, m kafka.Message) {
	observability.TripEventsTotal.WithLabelValues("consumed").Inc()
	var ev models.TripCreatedEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		observability.TripEventsTotal.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid trip event", "offset", m.Offset, "error", err)
		return
	}
	if err := handleWithRetry(ctx, c.handle, ev, c.attempts, c.delay, c.logger); err != nil {
		result := "failed"
		if errors.Is(err, models.ErrInvalidInput) {
			result = "invalid"
		}
		observability.TripEventsTotal.WithLabelValues(result).Inc()
		c.logger.Error("trip event not handled", "trip_id", ev.TripID, "error", err)
		return
	}
	observability.TripEventsTotal.WithLabelValues("handled").Inc()
}

// handleWithRetry retries transient failures with a doubling delay. Invalid
// events are not retried.
func handleWithRetry(ctx context.Context, handle TripHandler, ev models.TripCreatedEvent, attempts int, delay time.Duration, logger *slog.Logger) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := handle(ctx, ev)
		if errors.Is(err, models.ErrInvalidInput) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		logger.Warn("trip handler failed, retrying", "trip_id", ev.TripID, "delay", next, "error", err)
	})
}

func (c *TripConsumer) Close() error { return c.reader.Close() }
