package models

import (
	"fmt"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DriverStatus is the closed set of states a driver can report.
type DriverStatus string

const (
	StatusAvailable DriverStatus = "AVAILABLE"
	StatusBusy      DriverStatus = "BUSY"
	StatusOffline   DriverStatus = "OFFLINE"
	StatusOnBreak   DriverStatus = "ON_BREAK"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusOffline, StatusOnBreak:
		return true
	}
	return false
}

// ParseDriverStatus accepts any casing but rejects values outside the enum.
func ParseDriverStatus(v string) (DriverStatus, error) {
	s := DriverStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown driver status %q", ErrInvalidInput, v)
	}
	return s, nil
}

// DriverPosition is one accepted location sample. The cache holds the latest
// one per driver; the durable log holds every one ever written.
type DriverPosition struct {
	DriverID  string       `json:"driver_id"`
	Lat       float64      `json:"lat"`
	Lon       float64      `json:"lon"`
	Status    DriverStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Geohash   string       `json:"geohash"`
}

// NearbyDriver is a ranked matcher result. DistanceKm is exact Haversine from
// the search centre.
type NearbyDriver struct {
	DriverID   string       `json:"driver_id"`
	Lat        float64      `json:"lat"`
	Lon        float64      `json:"lon"`
	Status     DriverStatus `json:"status"`
	DistanceKm float64      `json:"distance_km"`
	Rating     float64      `json:"rating,omitempty"`
	ETASeconds float64      `json:"eta_seconds"`
	Timestamp  time.Time    `json:"timestamp"`
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferDeclined OfferStatus = "DECLINED"
	OfferExpired  OfferStatus = "EXPIRED"
)

// TripOffer is the per (trip, driver) record created during fan-out.
type TripOffer struct {
	TripID        string      `json:"trip_id"`
	DriverID      string      `json:"driver_id"`
	PassengerID   string      `json:"passenger_id"`
	Pickup        Coord       `json:"pickup"`
	Destination   Coord       `json:"destination"`
	EstimatedFare float64     `json:"estimated_fare"`
	DistanceKm    float64     `json:"distance_km"`
	NotifiedAt    time.Time   `json:"notified_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	Status        OfferStatus `json:"status"`
	Accepted      bool        `json:"accepted"`
	AcceptedBy    string      `json:"accepted_by,omitempty"`
}

func (o TripOffer) Expired(now time.Time) bool { return now.After(o.ExpiresAt) }

// TripCreatedEvent is consumed from trip management and triggers fan-out.
type TripCreatedEvent struct {
	TripID          string   `json:"trip_id"`
	PassengerID     string   `json:"passenger_id"`
	Pickup          Coord    `json:"pickup"`
	Destination     Coord    `json:"destination"`
	NearbyDriverIDs []string `json:"nearby_driver_ids"`
	EstimatedFare   float64  `json:"estimated_fare"`
	DistanceKm      float64  `json:"distance_km"`
}

type AcceptResult struct {
	TripID   string `json:"trip_id"`
	DriverID string `json:"driver_id"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// LocationUpdatedEvent is published once an update is durable.
type LocationUpdatedEvent struct {
	DriverID  string       `json:"driver_id"`
	Lat       float64      `json:"lat"`
	Lon       float64      `json:"lon"`
	Status    DriverStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Geohash   string       `json:"geohash"`
}

func NewLocationUpdatedEvent(p DriverPosition) LocationUpdatedEvent {
	return LocationUpdatedEvent{
		DriverID:  p.DriverID,
		Lat:       p.Lat,
		Lon:       p.Lon,
		Status:    p.Status,
		Timestamp: p.Timestamp,
		Geohash:   p.Geohash,
	}
}

type PresenceType string

const (
	PresenceOnline  PresenceType = "driver.online"
	PresenceOffline PresenceType = "driver.offline"
)

// DriverPresenceEvent announces online/offline transitions.
type DriverPresenceEvent struct {
	Type      PresenceType `json:"type"`
	DriverID  string       `json:"driver_id"`
	Timestamp time.Time    `json:"timestamp"`
}
