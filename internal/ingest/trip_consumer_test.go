package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
)

// fakeReader replays msgs then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	failFirst int
	committed []int64
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.failFirst > 0 {
		f.failFirst--
		f.mu.Unlock()
		return kafka.Message{}, errors.New("broker unavailable")
	}
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func TestTripConsumerHandlesAndCommits(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"trip_id":"t1","pickup":{"lat":1,"lon":2},"nearby_driver_ids":["d1"]}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"trip_id":"t2","pickup":{"lat":1,"lon":2}}`)},
	}}
	var mu sync.Mutex
	var seen []string
	c := NewTripConsumerWithReader(r, func(_ context.Context, ev models.TripCreatedEvent) error {
		mu.Lock()
		seen = append(seen, ev.TripID)
		mu.Unlock()
		return nil
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(r.commits()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("commits=%v", r.commits())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "t1" || seen[1] != "t2" {
		t.Fatalf("handled %v", seen)
	}
}

func TestHandleWithRetry_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	start := time.Now()
	err := handleWithRetry(context.Background(), func(context.Context, models.TripCreatedEvent) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: redis down", models.ErrTransientStorage)
		}
		return nil
	}, models.TripCreatedEvent{TripID: "t1"}, 3, 5*time.Millisecond, logging.Discard())
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestHandleWithRetry_FailsWhenExhausted(t *testing.T) {
	calls := 0
	err := handleWithRetry(context.Background(), func(context.Context, models.TripCreatedEvent) error {
		calls++
		return errors.New("boom")
	}, models.TripCreatedEvent{}, 3, time.Millisecond, logging.Discard())
	if err == nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestHandleWithRetry_InvalidIsNotRetried(t *testing.T) {
	calls := 0
	err := handleWithRetry(context.Background(), func(context.Context, models.TripCreatedEvent) error {
		calls++
		return models.ErrInvalidInput
	}, models.TripCreatedEvent{}, 3, time.Millisecond, logging.Discard())
	if !errors.Is(err, models.ErrInvalidInput) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestHandleWithRetry_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := handleWithRetry(ctx, func(context.Context, models.TripCreatedEvent) error {
		calls++
		cancel()
		return errors.New("boom")
	}, models.TripCreatedEvent{}, 5, time.Second, logging.Discard())
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestTripConsumerBacksOffOnReadErrors(t *testing.T) {
	r := &fakeReader{failFirst: 1, msgs: []kafka.Message{{Offset: 7, Value: []byte(`{"trip_id":"t1"}`)}}}
	c := NewTripConsumerWithReader(r, func(context.Context, models.TripCreatedEvent) error { return nil }, logging.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	deadline := time.Now().Add(2500 * time.Millisecond)
	for len(r.commits()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("consumer did not recover from read error")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
