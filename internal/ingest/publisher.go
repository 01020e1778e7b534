// Package ingest publishes driver events to downstream subscribers.
package ingest

import (
	"context"
	"log/slog"

	"github.com/example/driver-dispatch/internal/models"
)

// Publisher emits location and presence events. Implementations must be
// safe for concurrent use.
type Publisher interface {
	PublishLocation(ctx context.Context, ev models.LocationUpdatedEvent) error
	PublishPresence(ctx context.Context, ev models.DriverPresenceEvent) error
	Close() error
}

// LogPublisher writes events to the logger instead of a broker. Used when no
// Kafka brokers are configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishLocation(ctx context.Context, ev models.LocationUpdatedEvent) error {
	p.logger.InfoContext(ctx, "location updated",
		"driver_id", ev.DriverID, "lat", ev.Lat, "lon", ev.Lon,
		"status", ev.Status, "timestamp", ev.Timestamp, "geohash", ev.Geohash)
	return nil
}

func (p *LogPublisher) PublishPresence(ctx context.Context, ev models.DriverPresenceEvent) error {
	p.logger.InfoContext(ctx, string(ev.Type), "driver_id", ev.DriverID, "timestamp", ev.Timestamp)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
