// Package location coordinates a single driver location update across the
// spatial cache, the durable log and the event stream. Validation errors are
// returned to the caller; storage and messaging failures degrade to
// background retry followed by compensation.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/driver-dispatch/internal/cache"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/retry"
	"github.com/example/driver-dispatch/internal/storage"
)

// Operation names reported to the retry scheduler and failure monitor.
const (
	OpCachePut         = "cache.put_position"
	OpCacheStatus      = "cache.set_status"
	OpLogAppend        = "log.append"
	OpLogStatus        = "log.append_status"
	OpLocationEvent    = "event.location_updated"
	OpPresenceEvent    = "event.driver_presence"
	OpCompensateCache  = "compensate.cache"
	OpCompensateLog    = "compensate.log"
	defaultHistorySpan = time.Hour
)

// Scheduler is implemented by *retry.Scheduler.
type Scheduler interface {
	ExecuteWithRetry(ctx context.Context, op, entityID string, fn retry.Operation) *retry.Future
	ExecuteAsync(ctx context.Context, op, entityID string, fn retry.Operation) *retry.Future
}

// Reporter is implemented by *monitor.Monitor.
type Reporter interface {
	RecordCompensation(op, entityID, decision string)
	RecordManualReview(op, entityID string, err error)
}

type Coordinator struct {
	cache  cache.Cache
	log    storage.LocationLog
	pub    ingest.Publisher
	sched  Scheduler
	mon    Reporter
	logger *slog.Logger
	now    func() time.Time
}

func NewCoordinator(c cache.Cache, l storage.LocationLog, pub ingest.Publisher, sched Scheduler, mon Reporter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cache: c, log: l, pub: pub, sched: sched, mon: mon, logger: logger, now: time.Now}
}

// WithClock swaps the time source.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// stamp is the time assigned to an accepted sample. The log keeps
// microseconds, so finer precision would make a read-back compare as older.
func (c *Coordinator) stamp() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

func validateDriverID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: driver id is required", models.ErrInvalidInput)
	}
	return nil
}

// UpdateLocation accepts a position sample. It returns once the input is
// validated and the first cache attempt has run; log durability and event
// delivery complete in the background.
func (c *Coordinator) UpdateLocation(ctx context.Context, driverID string, lat, lon float64) (models.DriverPosition, error) {
	if err := validateDriverID(driverID); err != nil {
		observability.LocationUpdatesTotal.WithLabelValues("rejected").Inc()
		return models.DriverPosition{}, err
	}
	if err := geo.ValidateCoordinates(lat, lon); err != nil {
		observability.LocationUpdatesTotal.WithLabelValues("rejected").Inc()
		return models.DriverPosition{}, err
	}

	pos := models.DriverPosition{
		DriverID:  driverID,
		Lat:       lat,
		Lon:       lon,
		Status:    c.resolveStatus(ctx, driverID),
		Timestamp: c.stamp(),
		Geohash:   geo.Encode(lat, lon),
	}

	c.sched.ExecuteWithRetry(ctx, OpCachePut, driverID, func(ctx context.Context) error {
		return c.cache.PutPosition(ctx, pos)
	}).OnComplete(func(err error) {
		if err != nil {
			c.compensateCache(ctx, pos, err)
		}
	})

	c.sched.ExecuteWithRetry(ctx, OpLogAppend, driverID, func(ctx context.Context) error {
		return c.log.Append(ctx, pos, func() { c.publishLocation(ctx, pos) })
	}).OnComplete(func(err error) {
		if err != nil {
			c.compensateLog(ctx, pos, err)
		}
	})

	observability.LocationUpdatesTotal.WithLabelValues("accepted").Inc()
	return pos, nil
}

func (c *Coordinator) resolveStatus(ctx context.Context, driverID string) models.DriverStatus {
	st, ok, err := c.cache.GetStatus(ctx, driverID)
	if err != nil {
		logging.FromContext(ctx, c.logger).Warn("status lookup failed, assuming available", "driver_id", driverID, "error", err)
		return models.StatusAvailable
	}
	if !ok || !st.Valid() {
		return models.StatusAvailable
	}
	return st
}

func (c *Coordinator) publishLocation(ctx context.Context, pos models.DriverPosition) {
	ev := models.NewLocationUpdatedEvent(pos)
	c.sched.ExecuteWithRetry(ctx, OpLocationEvent, pos.DriverID, func(ctx context.Context) error {
		return c.pub.PublishLocation(ctx, ev)
	}).OnComplete(func(err error) {
		if err == nil {
			return
		}
		// The row is durable; only delivery is missing. Record the intent so
		// the event can be redelivered from the log.
		c.mon.RecordCompensation(OpLocationEvent, pos.DriverID, "republish required")
		c.logger.Error("location event needs redelivery",
			"driver_id", pos.DriverID, "timestamp", pos.Timestamp, "geohash", pos.Geohash, "error", err)
	})
}

// compensateCache re-derives the driver's cache entry from the durable log.
func (c *Coordinator) compensateCache(ctx context.Context, pos models.DriverPosition, cause error) {
	c.mon.RecordCompensation(OpCachePut, pos.DriverID, "re-derive cache from log")
	c.sched.ExecuteAsync(ctx, OpCompensateCache, pos.DriverID, func(ctx context.Context) error {
		latest, ok, err := c.log.Latest(ctx, pos.DriverID)
		if err != nil {
			return fmt.Errorf("read log for cache rebuild: %w", err)
		}
		if !ok {
			c.logger.Warn("no durable position, invalidating cache", "driver_id", pos.DriverID, "cause", cause)
			return c.cache.Invalidate(ctx, pos.DriverID)
		}
		if err := c.cache.PutPosition(ctx, latest); err != nil {
			return fmt.Errorf("restore cache from log: %w", err)
		}
		c.logger.Warn("cache restored from log", "driver_id", pos.DriverID, "timestamp", latest.Timestamp)
		return nil
	})
}

// compensateLog runs after log retries are exhausted. In order: the write
// may have landed anyway; the cache may still hold exactly this sample and
// can be replayed; otherwise the driver is flagged for manual review.
func (c *Coordinator) compensateLog(ctx context.Context, pos models.DriverPosition, cause error) {
	c.mon.RecordCompensation(OpLogAppend, pos.DriverID, "verify log against cache")
	c.sched.ExecuteAsync(ctx, OpCompensateLog, pos.DriverID, func(ctx context.Context) error {
		latest, ok, err := c.log.Latest(ctx, pos.DriverID)
		if err == nil && ok && !latest.Timestamp.Before(pos.Timestamp) {
			c.logger.Warn("log write had landed despite failure", "driver_id", pos.DriverID, "timestamp", pos.Timestamp)
			c.publishLocation(ctx, pos)
			return nil
		}

		cached, inCache, cacheErr := c.cache.GetPosition(ctx, pos.DriverID)
		if cacheErr == nil && inCache && cached.Timestamp.Equal(pos.Timestamp) {
			if err := c.log.Append(ctx, cached, func() { c.publishLocation(ctx, cached) }); err != nil {
				conflict := fmt.Errorf("%w: replay of %s at %s failed: %w", models.ErrConsistencyConflict, pos.DriverID, pos.Timestamp, err)
				c.mon.RecordManualReview(OpLogAppend, pos.DriverID, conflict)
				return conflict
			}
			c.logger.Warn("log replayed from cache", "driver_id", pos.DriverID, "timestamp", pos.Timestamp)
			return nil
		}

		conflict := fmt.Errorf("%w: driver %s at %s: %w", models.ErrConsistencyConflict, pos.DriverID, pos.Timestamp, errors.Join(cause, err, cacheErr))
		c.mon.RecordManualReview(OpLogAppend, pos.DriverID, conflict)
		return conflict
	})
}

// GetPosition reads the cache and falls back to the log when the driver is
// absent or the cache is unavailable.
func (c *Coordinator) GetPosition(ctx context.Context, driverID string) (models.DriverPosition, error) {
	if err := validateDriverID(driverID); err != nil {
		return models.DriverPosition{}, err
	}
	pos, ok, err := c.cache.GetPosition(ctx, driverID)
	if err != nil {
		logging.FromContext(ctx, c.logger).Warn("cache read failed, using log", "driver_id", driverID, "error", err)
	}
	if err == nil && ok {
		return pos, nil
	}
	pos, ok, err = c.log.Latest(ctx, driverID)
	if err != nil {
		return models.DriverPosition{}, err
	}
	if !ok {
		return models.DriverPosition{}, fmt.Errorf("%w: driver %s has no position", models.ErrNotFound, driverID)
	}
	return pos, nil
}

// StatusChange is the outcome of SetStatus.
type StatusChange struct {
	DriverID  string              `json:"driver_id"`
	Previous  models.DriverStatus `json:"previous_status,omitempty"`
	Status    models.DriverStatus `json:"status"`
	Timestamp time.Time           `json:"timestamp"`
}

// SetStatus records a status transition. Going OFFLINE removes the driver
// from the cache; crossing the online/offline boundary publishes a presence
// event.
func (c *Coordinator) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) (StatusChange, error) {
	if err := validateDriverID(driverID); err != nil {
		return StatusChange{}, err
	}
	if !status.Valid() {
		return StatusChange{}, fmt.Errorf("%w: unknown driver status %q", models.ErrInvalidInput, status)
	}
	prev, had, err := c.cache.GetStatus(ctx, driverID)
	if err != nil {
		logging.FromContext(ctx, c.logger).Warn("previous status unknown", "driver_id", driverID, "error", err)
		had = false
	}
	change := StatusChange{DriverID: driverID, Status: status, Timestamp: c.stamp()}
	if had {
		change.Previous = prev
	}

	if status == models.StatusOffline {
		c.sched.ExecuteWithRetry(ctx, OpCacheStatus, driverID, func(ctx context.Context) error {
			return c.cache.Invalidate(ctx, driverID)
		})
	} else {
		c.sched.ExecuteWithRetry(ctx, OpCacheStatus, driverID, func(ctx context.Context) error {
			return c.cache.SetStatus(ctx, driverID, status)
		})
	}

	// The log row carries status too so log-backed searches see the change.
	c.sched.ExecuteWithRetry(ctx, OpLogStatus, driverID, func(ctx context.Context) error {
		last, ok, err := c.log.Latest(ctx, driverID)
		if err != nil || !ok || last.Status == status {
			return err
		}
		last.Status = status
		last.Timestamp = change.Timestamp
		return c.log.Append(ctx, last, nil)
	})

	wasOnline := had && prev != models.StatusOffline
	isOnline := status != models.StatusOffline
	switch {
	case isOnline && !wasOnline:
		observability.DriversOnline.Inc()
		c.publishPresence(ctx, models.DriverPresenceEvent{Type: models.PresenceOnline, DriverID: driverID, Timestamp: change.Timestamp})
	case !isOnline && wasOnline:
		observability.DriversOnline.Dec()
		c.publishPresence(ctx, models.DriverPresenceEvent{Type: models.PresenceOffline, DriverID: driverID, Timestamp: change.Timestamp})
	}
	return change, nil
}

func (c *Coordinator) publishPresence(ctx context.Context, ev models.DriverPresenceEvent) {
	c.sched.ExecuteWithRetry(ctx, OpPresenceEvent, ev.DriverID, func(ctx context.Context) error {
		return c.pub.PublishPresence(ctx, ev)
	}).OnComplete(func(err error) {
		if err != nil {
			c.mon.RecordCompensation(OpPresenceEvent, ev.DriverID, "republish required")
			c.logger.Error("presence event needs redelivery", "driver_id", ev.DriverID, "type", ev.Type, "error", err)
		}
	})
}

// SetRating stores the driver's rating used to break distance ties.
func (c *Coordinator) SetRating(ctx context.Context, driverID string, rating float64) error {
	if err := validateDriverID(driverID); err != nil {
		return err
	}
	if rating < 0 || rating > 5 {
		return fmt.Errorf("%w: rating must be within [0,5]", models.ErrInvalidInput)
	}
	return c.cache.SetRating(ctx, driverID, rating)
}

// History returns the driver's positions in [from, to]. A zero to means now;
// a zero from means one hour before to.
func (c *Coordinator) History(ctx context.Context, driverID string, from, to time.Time) ([]models.DriverPosition, error) {
	if err := validateDriverID(driverID); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = c.now()
	}
	if from.IsZero() {
		from = to.Add(-defaultHistorySpan)
	}
	if from.After(to) {
		return nil, fmt.Errorf("%w: from must not be after to", models.ErrInvalidInput)
	}
	return c.log.Range(ctx, driverID, from, to)
}

// RebuildReport summarises a cache rebuild.
type RebuildReport struct {
	Restored int      `json:"restored"`
	Missing  int      `json:"missing"`
	Failed   []string `json:"failed,omitempty"`
}

// RebuildCache reloads the cache from the log for the given roster. An empty
// roster rebuilds every driver the log knows about.
func (c *Coordinator) RebuildCache(ctx context.Context, driverIDs []string) (RebuildReport, error) {
	var report RebuildReport
	var positions []models.DriverPosition
	if len(driverIDs) == 0 {
		all, err := c.log.LatestAll(ctx)
		if err != nil {
			return report, err
		}
		positions = all
	}
	for _, id := range driverIDs {
		latest, ok, err := c.log.Latest(ctx, id)
		switch {
		case err != nil:
			report.Failed = append(report.Failed, id)
		case !ok:
			report.Missing++
		default:
			positions = append(positions, latest)
		}
	}
	for _, p := range positions {
		if err := c.restore(ctx, p); err != nil {
			report.Failed = append(report.Failed, p.DriverID)
			continue
		}
		report.Restored++
	}
	c.logger.Info("cache rebuilt from log", "restored", report.Restored, "missing", report.Missing, "failed", len(report.Failed))
	return report, nil
}

func (c *Coordinator) restore(ctx context.Context, p models.DriverPosition) error {
	if p.Status == models.StatusOffline {
		return c.cache.Invalidate(ctx, p.DriverID)
	}
	return c.cache.PutPosition(ctx, p)
}
