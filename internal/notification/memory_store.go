package notification

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

type memOffer struct {
	offer    models.TripOffer
	deadline time.Time
}

type memWinner struct {
	driverID string
	deadline time.Time
}

// MemoryOfferStore keeps offers in process with per-entry TTL.
type MemoryOfferStore struct {
	mu      sync.Mutex
	now     func() time.Time
	offers  map[string]memOffer
	winners map[string]memWinner
}

func NewMemoryOfferStore() *MemoryOfferStore {
	return &MemoryOfferStore{
		now:     time.Now,
		offers:  make(map[string]memOffer),
		winners: make(map[string]memWinner),
	}
}

// WithClock swaps the clock used for TTL bookkeeping.
func (m *MemoryOfferStore) WithClock(now func() time.Time) *MemoryOfferStore {
	m.now = now
	return m
}

// live returns the entry if its TTL has not run out. Callers hold mu.
func (m *MemoryOfferStore) live(key string) (memOffer, bool) {
	e, ok := m.offers[key]
	if !ok {
		return memOffer{}, false
	}
	if !m.now().Before(e.deadline) {
		delete(m.offers, key)
		return memOffer{}, false
	}
	return e, true
}

func (m *MemoryOfferStore) winner(tripID string) (string, bool) {
	w, ok := m.winners[tripID]
	if !ok {
		return "", false
	}
	if !m.now().Before(w.deadline) {
		delete(m.winners, tripID)
		return "", false
	}
	return w.driverID, true
}

func (m *MemoryOfferStore) Put(_ context.Context, offer models.TripOffer, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, won := m.winner(offer.TripID); won {
		return false, nil
	}
	key := offerKey(offer.TripID, offer.DriverID)
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.offers[key] = memOffer{offer: offer, deadline: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryOfferStore) Winner(_ context.Context, tripID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.winner(tripID)
	return w, ok, nil
}

func (m *MemoryOfferStore) Get(_ context.Context, tripID, driverID string) (models.TripOffer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(offerKey(tripID, driverID))
	return e.offer, ok, nil
}

func (m *MemoryOfferStore) Delete(_ context.Context, tripID, driverID string) error {
	m.mu.Lock()
	delete(m.offers, offerKey(tripID, driverID))
	m.mu.Unlock()
	return nil
}

func (m *MemoryOfferStore) list(keep func(models.TripOffer) bool) []models.TripOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TripOffer
	for k := range m.offers {
		if e, ok := m.live(k); ok && keep(e.offer) {
			out = append(out, e.offer)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TripID != out[j].TripID {
			return out[i].TripID < out[j].TripID
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out
}

func (m *MemoryOfferStore) ListByTrip(_ context.Context, tripID string) ([]models.TripOffer, error) {
	return m.list(func(o models.TripOffer) bool { return o.TripID == tripID }), nil
}

func (m *MemoryOfferStore) ListByDriver(_ context.Context, driverID string) ([]models.TripOffer, error) {
	return m.list(func(o models.TripOffer) bool { return o.DriverID == driverID }), nil
}

func (m *MemoryOfferStore) ListAll(context.Context) ([]models.TripOffer, error) {
	return m.list(func(models.TripOffer) bool { return true }), nil
}

func (m *MemoryOfferStore) TryAccept(_ context.Context, tripID, driverID string, now time.Time, auditTTL, resolvedTTL time.Duration) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := offerKey(tripID, driverID)
	e, ok := m.live(key)
	if !ok {
		return OutcomeNotFound, nil
	}
	w, won := m.winner(tripID)
	if won && w == driverID {
		return OutcomeAlreadyYours, nil
	}
	if e.offer.Expired(now) {
		delete(m.offers, key)
		return OutcomeExpired, nil
	}
	if won {
		return OutcomeTaken, nil
	}
	if e.offer.Status != models.OfferPending {
		return OutcomeNotPending, nil
	}
	m.winners[tripID] = memWinner{driverID: driverID, deadline: m.now().Add(resolvedTTL)}
	e.offer.Status = models.OfferAccepted
	e.offer.Accepted = true
	e.offer.AcceptedBy = driverID
	e.deadline = m.now().Add(auditTTL)
	m.offers[key] = e
	return OutcomeAccepted, nil
}

func (m *MemoryOfferStore) MarkDeclined(_ context.Context, tripID, driverID string, now time.Time) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := offerKey(tripID, driverID)
	e, ok := m.live(key)
	if !ok {
		return OutcomeNotFound, nil
	}
	if e.offer.Expired(now) {
		delete(m.offers, key)
		return OutcomeExpired, nil
	}
	if e.offer.Status != models.OfferPending {
		return OutcomeNotPending, nil
	}
	e.offer.Status = models.OfferDeclined
	m.offers[key] = e
	return OutcomeDeclined, nil
}

func (m *MemoryOfferStore) ExpireIfPending(_ context.Context, tripID, driverID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := offerKey(tripID, driverID)
	e, ok := m.live(key)
	if !ok || e.offer.Status != models.OfferPending || !e.offer.Expired(now) {
		return false, nil
	}
	delete(m.offers, key)
	return true, nil
}
