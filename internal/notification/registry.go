package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/fare"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/retry"
)

const OpTripAccept = "trips.accept"

const (
	MsgAccepted        = "trip accepted"
	MsgAlreadyYours    = "trip already accepted by you"
	MsgNotFound        = "offer not found or expired"
	MsgExpired         = "offer expired"
	MsgTaken           = "trip already accepted by another driver"
	MsgNotPending      = "offer already answered"
	MsgDeclined        = "offer declined"
	defaultSearchLimit = 10
)

// Finder supplies candidates when a trip event carries none.
type Finder interface {
	FindNearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.NearbyDriver, error)
}

// TripService is the trip-management collaborator told about acceptances.
type TripService interface {
	AcceptTrip(ctx context.Context, tripID, driverID string) error
}

// Scheduler is implemented by *retry.Scheduler.
type Scheduler interface {
	ExecuteWithRetry(ctx context.Context, op, entityID string, fn retry.Operation) *retry.Future
}

type Config struct {
	OfferTTL       time.Duration
	AuditTTL       time.Duration
	ResolvedTTL    time.Duration
	SweepInterval  time.Duration
	SearchRadiusKm float64
	SearchLimit    int
}

func DefaultConfig() Config {
	return Config{
		OfferTTL:       15 * time.Second,
		AuditTTL:       60 * time.Second,
		ResolvedTTL:    24 * time.Hour,
		SweepInterval:  5 * time.Second,
		SearchRadiusKm: 5,
		SearchLimit:    defaultSearchLimit,
	}
}

type Registry struct {
	store    Store
	finder   Finder
	notifier dispatch.Notifier
	trips    TripService
	sched    Scheduler
	fares    fare.Calculator
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry wires the registry. finder, notifier and trips may be nil.
func NewRegistry(store Store, finder Finder, notifier dispatch.Notifier, trips TripService, sched Scheduler, cfg Config, logger *slog.Logger) *Registry {
	def := DefaultConfig()
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = def.OfferTTL
	}
	if cfg.AuditTTL <= 0 {
		cfg.AuditTTL = def.AuditTTL
	}
	if cfg.ResolvedTTL <= 0 {
		cfg.ResolvedTTL = def.ResolvedTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SearchRadiusKm <= 0 {
		cfg.SearchRadiusKm = def.SearchRadiusKm
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = def.SearchLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		finder:   finder,
		notifier: notifier,
		trips:    trips,
		sched:    sched,
		fares:    fare.DefaultCalculator(),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock swaps the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// validateID rejects identifiers that would break key patterns.
func validateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s is required", models.ErrInvalidInput, kind)
	}
	if strings.ContainsAny(id, ":*?[]") {
		return fmt.Errorf("%w: %s contains reserved characters", models.ErrInvalidInput, kind)
	}
	return nil
}

// HandleTripNotification creates one PENDING offer per candidate driver and
// pushes it to connected drivers. A replayed event is a no-op for trips that
// already have a winner and for offers that already exist.
func (r *Registry) HandleTripNotification(ctx context.Context, ev models.TripCreatedEvent) ([]models.TripOffer, error) {
	if err := validateID("trip id", ev.TripID); err != nil {
		return nil, err
	}
	if err := geo.ValidateCoordinates(ev.Pickup.Lat, ev.Pickup.Lon); err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx, r.logger).With("trip_id", ev.TripID)

	winner, resolved, err := r.store.Winner(ctx, ev.TripID)
	if err != nil {
		return nil, err
	}
	if resolved {
		logger.Info("trip already accepted, skipping fan-out", "winner", winner)
		return nil, nil
	}

	candidates, err := r.candidates(ctx, ev)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		logger.Info("no candidate drivers for trip")
		return nil, nil
	}

	estimatedFare, distanceKm := ev.EstimatedFare, ev.DistanceKm
	if estimatedFare <= 0 || distanceKm <= 0 {
		est := r.fares.ForTrip(ev.Pickup, ev.Destination, distanceKm)
		if estimatedFare <= 0 {
			estimatedFare = est.Total
		}
		if distanceKm <= 0 {
			distanceKm = est.DistanceKm
		}
	}

	notifiedAt := r.now().UTC()
	offers := make([]models.TripOffer, 0, len(candidates))
	var errs []error
	for _, driverID := range candidates {
		offer := models.TripOffer{
			TripID:        ev.TripID,
			DriverID:      driverID,
			PassengerID:   ev.PassengerID,
			Pickup:        ev.Pickup,
			Destination:   ev.Destination,
			EstimatedFare: estimatedFare,
			DistanceKm:    distanceKm,
			NotifiedAt:    notifiedAt,
			ExpiresAt:     notifiedAt.Add(r.cfg.OfferTTL),
			Status:        models.OfferPending,
		}
		created, err := r.store.Put(ctx, offer, r.cfg.OfferTTL)
		if err != nil {
			logger.Error("store offer failed", "driver_id", driverID, "error", err)
			errs = append(errs, err)
			continue
		}
		if !created {
			logger.Debug("offer already exists or trip taken", "driver_id", driverID)
			continue
		}
		offers = append(offers, offer)
		r.push(ctx, driverID, dispatch.Message{Type: dispatch.TypeTripOffer, Payload: offer})
	}
	observability.OffersCreatedTotal.Add(float64(len(offers)))
	logger.Info("trip offers fanned out", "offers", len(offers), "candidates", len(candidates))
	if len(offers) == 0 {
		return nil, errors.Join(errs...)
	}
	return offers, nil
}

func (r *Registry) candidates(ctx context.Context, ev models.TripCreatedEvent) ([]string, error) {
	ids := ev.NearbyDriverIDs
	if len(ids) == 0 && r.finder != nil {
		nearby, err := r.finder.FindNearby(ctx, ev.Pickup.Lat, ev.Pickup.Lon, r.cfg.SearchRadiusKm, r.cfg.SearchLimit)
		if err != nil {
			return nil, fmt.Errorf("find candidates: %w", err)
		}
		for _, d := range nearby {
			ids = append(ids, d.DriverID)
		}
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if validateID("driver id", id) != nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func (r *Registry) push(ctx context.Context, driverID string, msg dispatch.Message) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, driverID, msg); err != nil {
		if dispatch.IsNoSession(err) {
			r.logger.Debug("driver not connected", "driver_id", driverID, "type", msg.Type)
			return
		}
		r.logger.Warn("push failed", "driver_id", driverID, "type", msg.Type, "error", err)
	}
}

// AcceptTrip resolves a driver's accept. Exactly one driver per trip can
// get Accepted=true; the loser learns why.
func (r *Registry) AcceptTrip(ctx context.Context, tripID, driverID string) (models.AcceptResult, error) {
	if err := validateID("trip id", tripID); err != nil {
		return models.AcceptResult{}, err
	}
	if err := validateID("driver id", driverID); err != nil {
		return models.AcceptResult{}, err
	}
	outcome, err := r.store.TryAccept(ctx, tripID, driverID, r.now(), r.cfg.AuditTTL, r.cfg.ResolvedTTL)
	if err != nil {
		observability.OfferResponsesTotal.WithLabelValues("accept", "error").Inc()
		return models.AcceptResult{}, err
	}
	observability.OfferResponsesTotal.WithLabelValues("accept", string(outcome)).Inc()

	res := models.AcceptResult{TripID: tripID, DriverID: driverID}
	switch outcome {
	case OutcomeAccepted:
		res.Accepted, res.Message = true, MsgAccepted
		r.withdrawSiblings(ctx, tripID, driverID)
		r.confirmDownstream(ctx, tripID, driverID)
	case OutcomeAlreadyYours:
		res.Accepted, res.Message = true, MsgAlreadyYours
	case OutcomeExpired:
		res.Message = MsgExpired
	case OutcomeTaken:
		res.Message = MsgTaken
	case OutcomeNotPending:
		res.Message = MsgNotPending
	default:
		res.Message = MsgNotFound
	}
	logging.FromContext(ctx, r.logger).Info("trip accept", "trip_id", tripID, "driver_id", driverID, "outcome", outcome)
	return res, nil
}

// withdrawSiblings deletes every other driver's offer for the trip.
func (r *Registry) withdrawSiblings(ctx context.Context, tripID, winner string) {
	siblings, err := r.store.ListByTrip(ctx, tripID)
	if err != nil {
		// losers still see "taken" through the winner claim; their offers age out
		r.logger.Warn("list sibling offers failed", "trip_id", tripID, "error", err)
		return
	}
	for _, o := range siblings {
		if o.DriverID == winner {
			continue
		}
		if err := r.store.Delete(ctx, tripID, o.DriverID); err != nil {
			r.logger.Warn("delete sibling offer failed", "trip_id", tripID, "driver_id", o.DriverID, "error", err)
			continue
		}
		r.push(ctx, o.DriverID, dispatch.Message{Type: dispatch.TypeOfferWithdrawn, Payload: map[string]string{"trip_id": tripID}})
	}
}

// confirmDownstream tells trip management in the background. Failure never
// undoes the acceptance.
func (r *Registry) confirmDownstream(ctx context.Context, tripID, driverID string) {
	if r.trips == nil || r.sched == nil {
		return
	}
	r.sched.ExecuteWithRetry(ctx, OpTripAccept, tripID, func(ctx context.Context) error {
		return r.trips.AcceptTrip(ctx, tripID, driverID)
	}).OnComplete(func(err error) {
		if err != nil {
			r.logger.Error("trip management not told about acceptance, reconcile required",
				"trip_id", tripID, "driver_id", driverID, "error", err)
		}
	})
}

// DeclineTrip marks the driver's offer declined. Other drivers' offers are
// untouched.
func (r *Registry) DeclineTrip(ctx context.Context, tripID, driverID string) (models.AcceptResult, error) {
	if err := validateID("trip id", tripID); err != nil {
		return models.AcceptResult{}, err
	}
	if err := validateID("driver id", driverID); err != nil {
		return models.AcceptResult{}, err
	}
	outcome, err := r.store.MarkDeclined(ctx, tripID, driverID, r.now())
	if err != nil {
		observability.OfferResponsesTotal.WithLabelValues("decline", "error").Inc()
		return models.AcceptResult{}, err
	}
	observability.OfferResponsesTotal.WithLabelValues("decline", string(outcome)).Inc()
	res := models.AcceptResult{TripID: tripID, DriverID: driverID}
	switch outcome {
	case OutcomeDeclined:
		res.Message = MsgDeclined
	case OutcomeExpired:
		res.Message = MsgExpired
	case OutcomeNotPending:
		res.Message = MsgNotPending
	default:
		res.Message = MsgNotFound
	}
	return res, nil
}

// PendingOffers lists the driver's offers that can still be accepted.
func (r *Registry) PendingOffers(ctx context.Context, driverID string) ([]models.TripOffer, error) {
	if err := validateID("driver id", driverID); err != nil {
		return nil, err
	}
	all, err := r.store.ListByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]models.TripOffer, 0, len(all))
	for _, o := range all {
		if o.Status == models.OfferPending && !o.Expired(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

// GetPendingNotification returns the offer only while it is still pending.
func (r *Registry) GetPendingNotification(ctx context.Context, tripID, driverID string) (models.TripOffer, bool, error) {
	if err := validateID("trip id", tripID); err != nil {
		return models.TripOffer{}, false, err
	}
	if err := validateID("driver id", driverID); err != nil {
		return models.TripOffer{}, false, err
	}
	o, ok, err := r.store.Get(ctx, tripID, driverID)
	if err != nil || !ok {
		return models.TripOffer{}, false, err
	}
	if o.Status != models.OfferPending || o.Expired(r.now()) {
		return models.TripOffer{}, false, nil
	}
	return o, true, nil
}

// ExpirePendingNotifications removes pending offers past their expiry. Safe
// to run concurrently with accept and decline, and with itself.
func (r *Registry) ExpirePendingNotifications(ctx context.Context) (int, error) {
	all, err := r.store.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()
	expired := 0
	var errs []error
	for _, o := range all {
		if o.Status != models.OfferPending || !o.Expired(now) {
			continue
		}
		ok, err := r.store.ExpireIfPending(ctx, o.TripID, o.DriverID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
			r.push(ctx, o.DriverID, dispatch.Message{Type: dispatch.TypeOfferExpired, Payload: map[string]string{"trip_id": o.TripID}})
		}
	}
	observability.OffersExpiredTotal.Add(float64(expired))
	return expired, errors.Join(errs...)
}

// Run sweeps on a fixed period until ctx is cancelled. A skipped tick only
// delays cleanup since offers also carry their own TTL.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.ExpirePendingNotifications(ctx)
			if err != nil {
				r.logger.Warn("offer sweep failed", "error", err)
			}
			if n > 0 {
				r.logger.Info("expired pending offers", "count", n)
			}
		}
	}
}
