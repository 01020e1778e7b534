// Package retry runs storage and messaging side effects with bounded
// exponential backoff on a small fixed worker pool.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrRetryExhausted wraps the last error once maxAttempts is reached.
	ErrRetryExhausted = errors.New("retry exhausted")
	ErrClosed         = errors.New("retry scheduler closed")
)

// Operation is one attempt of a side effect.
type Operation func(ctx context.Context) error

// Recorder receives scheduler events; monitor.Monitor implements it.
type Recorder interface {
	RecordRetryAttempt(op string)
	RecordRetrySuccess(op string)
	RecordRetryExhausted(op string)
	RecordAsyncFailure(op string)
}

type Config struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	Workers        int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       2 * time.Second,
		AttemptTimeout: 2 * time.Second,
		Workers:        4,
	}
}

type Scheduler struct {
	cfg    Config
	rec    Recorder
	logger *slog.Logger

	jobs    chan func()
	quit    chan struct{}
	workers sync.WaitGroup

	// mu orders pending.Add against the Wait in Close.
	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

type task struct {
	ctx      context.Context
	op       string
	entityID string
	fn       Operation
	attempt  int
	bo       *backoff.ExponentialBackOff
	future   *Future
}

func NewScheduler(cfg Config, rec Recorder, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{cfg: cfg, rec: rec, logger: logger, jobs: make(chan func()), quit: make(chan struct{})}
	for i := 0; i < cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker()
	}
	return s
}

func (s *Scheduler) Config() Config { return s.cfg }

func (s *Scheduler) worker() {
	defer s.workers.Done()
	for {
		select {
		case job := <-s.jobs:
			job()
		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          s.cfg.Multiplier,
		MaxInterval:         s.cfg.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// ExecuteWithRetry runs fn inline once; on failure it is rescheduled on the
// worker pool with exponential backoff until it succeeds or maxAttempts is
// reached. ctx values are kept but its cancellation is not: retries outlive
// the request that started them.
func (s *Scheduler) ExecuteWithRetry(ctx context.Context, op, entityID string, fn Operation) *Future {
	if !s.admit() {
		return failedFuture(ErrClosed)
	}
	t := &task{
		ctx:      context.WithoutCancel(ctx),
		op:       op,
		entityID: entityID,
		fn:       fn,
		bo:       s.newBackOff(),
		future:   newFuture(),
	}
	s.runAttempt(t)
	return t.future
}

func (s *Scheduler) runAttempt(t *task) {
	t.attempt++
	err := s.call(t.ctx, t.fn)
	if err == nil {
		if t.attempt > 1 {
			s.rec.RecordRetrySuccess(t.op)
			s.logger.Info("retry succeeded", "operation", t.op, "entity_id", t.entityID, "attempt", t.attempt)
		}
		s.finish(t, nil)
		return
	}
	if t.attempt >= s.cfg.MaxAttempts {
		s.rec.RecordRetryExhausted(t.op)
		s.logger.Error("retries exhausted", "operation", t.op, "entity_id", t.entityID, "attempts", t.attempt, "error", err)
		s.finish(t, fmt.Errorf("%w: %s for %s after %d attempts: %w", ErrRetryExhausted, t.op, t.entityID, t.attempt, err))
		return
	}
	s.rec.RecordRetryAttempt(t.op)
	delay := t.bo.NextBackOff()
	s.logger.Warn("operation failed, retry scheduled", "operation", t.op, "entity_id", t.entityID, "attempt", t.attempt, "delay", delay, "error", err)
	time.AfterFunc(delay, func() {
		if !s.submit(func() { s.runAttempt(t) }) {
			s.finish(t, fmt.Errorf("%w: %s for %s: %w", ErrClosed, t.op, t.entityID, err))
		}
	})
}

// ExecuteAsync runs fn once on the worker pool without retrying. Used for
// best-effort side work such as compensation, so failures never chain into
// further retries.
func (s *Scheduler) ExecuteAsync(ctx context.Context, op, entityID string, fn Operation) *Future {
	if !s.admit() {
		return failedFuture(ErrClosed)
	}
	t := &task{ctx: context.WithoutCancel(ctx), op: op, entityID: entityID, fn: fn, future: newFuture()}
	go func() {
		ok := s.submit(func() {
			err := s.call(t.ctx, t.fn)
			if err != nil {
				s.rec.RecordAsyncFailure(t.op)
				s.logger.Error("async operation failed", "operation", t.op, "entity_id", t.entityID, "error", err)
			}
			s.finish(t, err)
		})
		if !ok {
			s.finish(t, ErrClosed)
		}
	}()
	return t.future
}

// admit counts a new task in, unless Close has begun.
func (s *Scheduler) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending.Add(1)
	return true
}

func (s *Scheduler) call(ctx context.Context, fn Operation) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) submit(job func()) bool {
	select {
	case s.jobs <- job:
		return true
	case <-s.quit:
		return false
	}
}

func (s *Scheduler) finish(t *task, err error) {
	t.future.complete(err)
	s.pending.Done()
}

// Close stops accepting work, waits for in-flight tasks (including scheduled
// retries) until ctx expires, then stops the workers. Later calls are no-ops.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	drained := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	close(s.quit)
	s.workers.Wait()
	return err
}
