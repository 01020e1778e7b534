// Package monitor counts retry, exhaustion, async-failure and compensation
// events per operation name and turns them into a health signal. It never
// influences business decisions.
package monitor

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/example/driver-dispatch/internal/observability"
)

// DegradedRatio is the failure ratio above which an operation is degraded.
const DegradedRatio = 0.10

// Counters is a point-in-time copy of one operation's counters.
type Counters struct {
	RetryAttempts            int64 `json:"retry_attempts"`
	RetrySuccesses           int64 `json:"retry_successes"`
	RetryExhaustions         int64 `json:"retry_exhaustions"`
	AsyncFailures            int64 `json:"async_failures"`
	CompensatingTransactions int64 `json:"compensating_transactions"`
	ManualReviews            int64 `json:"manual_reviews"`
}

type counters struct {
	attempts, successes, exhaustions, asyncFailures, compensations, manualReviews atomic.Int64
}

func (c *counters) snapshot() Counters {
	return Counters{
		RetryAttempts:            c.attempts.Load(),
		RetrySuccesses:           c.successes.Load(),
		RetryExhaustions:         c.exhaustions.Load(),
		AsyncFailures:            c.asyncFailures.Load(),
		CompensatingTransactions: c.compensations.Load(),
		ManualReviews:            c.manualReviews.Load(),
	}
}

type Monitor struct {
	logger *slog.Logger

	mu  sync.RWMutex
	ops map[string]*counters
}

func New(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger, ops: make(map[string]*counters)}
}

func (m *Monitor) get(op string) *counters {
	m.mu.RLock()
	c, ok := m.ops[op]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.ops[op]; !ok {
		c = &counters{}
		m.ops[op] = c
	}
	return c
}

func (m *Monitor) RecordRetryAttempt(op string) {
	m.get(op).attempts.Add(1)
	observability.RetryEvents.WithLabelValues(op, "attempt").Inc()
}

func (m *Monitor) RecordRetrySuccess(op string) {
	m.get(op).successes.Add(1)
	observability.RetryEvents.WithLabelValues(op, "success").Inc()
}

func (m *Monitor) RecordRetryExhausted(op string) {
	m.get(op).exhaustions.Add(1)
	observability.RetryEvents.WithLabelValues(op, "exhausted").Inc()
}

func (m *Monitor) RecordAsyncFailure(op string) {
	m.get(op).asyncFailures.Add(1)
	observability.RetryEvents.WithLabelValues(op, "async_failure").Inc()
}

// RecordCompensation counts a compensating transaction against op and logs
// the decision taken.
func (m *Monitor) RecordCompensation(op, entityID, decision string) {
	m.get(op).compensations.Add(1)
	observability.RetryEvents.WithLabelValues(op, "compensation").Inc()
	m.logger.Warn("compensation", "operation", op, "entity_id", entityID, "decision", decision)
}

// RecordManualReview flags an entity whose stores disagree beyond repair.
func (m *Monitor) RecordManualReview(op, entityID string, err error) {
	m.get(op).manualReviews.Add(1)
	observability.RetryEvents.WithLabelValues(op, "manual_review").Inc()
	m.logger.Error("manual review required", "operation", op, "entity_id", entityID, "error", err)
}

func (m *Monitor) Snapshot(op string) Counters {
	m.mu.RLock()
	c, ok := m.ops[op]
	m.mu.RUnlock()
	if !ok {
		return Counters{}
	}
	return c.snapshot()
}

func (m *Monitor) Snapshots() map[string]Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Counters, len(m.ops))
	for op, c := range m.ops {
		out[op] = c.snapshot()
	}
	return out
}

// Reset clears every counter. Operator action only; Prometheus series keep
// counting.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.ops = make(map[string]*counters)
	m.mu.Unlock()
	m.logger.Info("failure monitor counters reset")
}

type OperationHealth struct {
	Operation    string   `json:"operation"`
	FailureRatio float64  `json:"failure_ratio"`
	Degraded     bool     `json:"degraded"`
	Counters     Counters `json:"counters"`
}

type HealthReport struct {
	Healthy    bool              `json:"healthy"`
	Operations []OperationHealth `json:"operations"`
}

// PerformHealthCheck computes failures/(attempts+successes) per operation,
// where failures are exhaustions plus async failures.
func (m *Monitor) PerformHealthCheck() HealthReport {
	snaps := m.Snapshots()
	report := HealthReport{Healthy: true, Operations: make([]OperationHealth, 0, len(snaps))}
	for op, c := range snaps {
		failures := c.RetryExhaustions + c.AsyncFailures
		total := c.RetryAttempts + c.RetrySuccesses
		var ratio float64
		switch {
		case total > 0:
			ratio = float64(failures) / float64(total)
		case failures > 0:
			ratio = 1
		}
		h := OperationHealth{Operation: op, FailureRatio: ratio, Degraded: ratio > DegradedRatio, Counters: c}
		if h.Degraded {
			report.Healthy = false
			m.logger.Warn("operation degraded", "operation", op, "failure_ratio", ratio)
		}
		report.Operations = append(report.Operations, h)
	}
	sort.Slice(report.Operations, func(i, j int) bool { return report.Operations[i].Operation < report.Operations[j].Operation })
	return report
}
