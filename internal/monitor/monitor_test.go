package monitor

import (
	"io"
	"log/slog"
	"testing"
)

func quiet() *Monitor { return New(slog.New(slog.NewTextHandler(io.Discard, nil))) }

func TestCountersPerOperation(t *testing.T) {
	m := quiet()
	m.RecordRetryAttempt("log.append")
	m.RecordRetrySuccess("log.append")
	m.RecordRetryExhausted("cache.put")
	m.RecordAsyncFailure("compensate.cache")
	m.RecordCompensation("log.append", "d1", "replayed from cache")
	m.RecordManualReview("log.append", "d1", nil)

	got := m.Snapshot("log.append")
	want := Counters{RetryAttempts: 1, RetrySuccesses: 1, CompensatingTransactions: 1, ManualReviews: 1}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if m.Snapshot("cache.put").RetryExhaustions != 1 {
		t.Fatalf("expected exhaustion on cache.put")
	}
	if len(m.Snapshots()) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(m.Snapshots()))
	}
}

func TestPerformHealthCheck(t *testing.T) {
	m := quiet()
	for i := 0; i < 20; i++ {
		m.RecordRetryAttempt("healthy")
	}
	m.RecordRetryExhausted("healthy") // 1/20 = 5%

	m.RecordRetryAttempt("sick")
	m.RecordRetryAttempt("sick")
	m.RecordRetryExhausted("sick") // 1/2 = 50%

	m.RecordAsyncFailure("async-only")

	r := m.PerformHealthCheck()
	if r.Healthy {
		t.Fatalf("expected degraded report")
	}
	byOp := map[string]OperationHealth{}
	for _, o := range r.Operations {
		byOp[o.Operation] = o
	}
	if byOp["healthy"].Degraded {
		t.Fatalf("5%% failure ratio should not be degraded: %+v", byOp["healthy"])
	}
	if !byOp["sick"].Degraded || byOp["sick"].FailureRatio != 0.5 {
		t.Fatalf("unexpected sick health %+v", byOp["sick"])
	}
	if !byOp["async-only"].Degraded {
		t.Fatalf("failures without attempts should be degraded")
	}
}

func TestReset(t *testing.T) {
	m := quiet()
	m.RecordRetryAttempt("op")
	m.Reset()
	if m.Snapshot("op") != (Counters{}) {
		t.Fatalf("expected zero counters after reset")
	}
	if !m.PerformHealthCheck().Healthy {
		t.Fatalf("empty monitor should be healthy")
	}
}
