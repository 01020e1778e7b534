// Package notification fans trip offers out to candidate drivers and
// resolves the race between them: the first accept wins, everything else
// is withdrawn or expires.
package notification

import (
	"context"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// Outcome is the result of a conditional write on one offer.
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeAlreadyYours Outcome = "already_yours"
	OutcomeDeclined     Outcome = "declined"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeExpired      Outcome = "expired"
	OutcomeTaken        Outcome = "taken"
	OutcomeNotPending   Outcome = "not_pending"
)

// Store keeps one record per (trip, driver) pair plus a per-trip winner
// marker. Put, TryAccept, MarkDeclined and ExpireIfPending must each be a
// single atomic conditional write.
type Store interface {
	// Put creates the offer unless one already exists for the pair or the
	// trip already has a winner. It reports whether a record was created.
	Put(ctx context.Context, offer models.TripOffer, ttl time.Duration) (bool, error)
	// Winner returns the driver that won the trip while the marker lives.
	Winner(ctx context.Context, tripID string) (string, bool, error)
	Get(ctx context.Context, tripID, driverID string) (models.TripOffer, bool, error)
	Delete(ctx context.Context, tripID, driverID string) error
	ListByTrip(ctx context.Context, tripID string) ([]models.TripOffer, error)
	ListByDriver(ctx context.Context, driverID string) ([]models.TripOffer, error)
	ListAll(ctx context.Context) ([]models.TripOffer, error)

	// TryAccept checks, in order: offer absent, offer expired (deleted),
	// trip already won by another driver, offer no longer pending. If none
	// apply the offer is accepted and kept for auditTTL, and the trip-level
	// winner is claimed for resolvedTTL.
	TryAccept(ctx context.Context, tripID, driverID string, now time.Time, auditTTL, resolvedTTL time.Duration) (Outcome, error)
	MarkDeclined(ctx context.Context, tripID, driverID string, now time.Time) (Outcome, error)
	// ExpireIfPending removes the offer only if it is still pending and
	// past its expiry.
	ExpireIfPending(ctx context.Context, tripID, driverID string, now time.Time) (bool, error)
}

func offerKey(tripID, driverID string) string { return "trip_offer:" + driverID + ":" + tripID }
func winnerKey(tripID string) string          { return "trip_winner:" + tripID }
