package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/models"
)

// fakeWriter implements MessageWriter for tests
type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestPublishLocationRoutesToLocationTopic(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(w, "driver-location-updates", "driver-status-events")
	ev := models.LocationUpdatedEvent{DriverID: "d1", Lat: 1, Lon: 2, Status: models.StatusAvailable, Timestamp: time.Now().UTC(), Geohash: "s00twy01"}

	if err := p.PublishLocation(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if m.Topic != "driver-location-updates" || string(m.Key) != "d1" {
		t.Fatalf("unexpected routing topic=%s key=%s", m.Topic, m.Key)
	}
	if header(m, "event_type") != "location.updated" || header(m, "event_id") == "" {
		t.Fatalf("missing headers: %+v", m.Headers)
	}
	var got models.LocationUpdatedEvent
	if err := json.Unmarshal(m.Value, &got); err != nil || got.Geohash != ev.Geohash {
		t.Fatalf("payload mismatch: %v %+v", err, got)
	}
}

func TestPublishPresenceRoutesToStatusTopic(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(w, "loc", "status")
	ev := models.DriverPresenceEvent{Type: models.PresenceOffline, DriverID: "d9", Timestamp: time.Now()}
	if err := p.PublishPresence(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if w.msgs[0].Topic != "status" || header(w.msgs[0], "event_type") != "driver.offline" {
		t.Fatalf("unexpected message %+v", w.msgs[0])
	}
}

func TestPublishErrorsAreTransient(t *testing.T) {
	p := NewKafkaPublisherWithWriter(&fakeWriter{err: errors.New("leader not available")}, "loc", "status")
	err := p.PublishLocation(context.Background(), models.LocationUpdatedEvent{DriverID: "d1"})
	if !errors.Is(err, models.ErrTransientStorage) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
