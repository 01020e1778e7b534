// Package cache holds the hot, TTL-bounded view of each driver's latest
// position and status plus a geo index over those positions.
package cache

import (
	"context"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

const DefaultTTL = 900 * time.Second

// Cache is the minimal interface required by the coordinator and matcher.
// A driver missing from the cache is stale; callers fall back to the
// durable location log.
type Cache interface {
	// PutPosition writes position, status and geo index entry as one unit.
	PutPosition(ctx context.Context, pos models.DriverPosition) error
	GetPosition(ctx context.Context, driverID string) (models.DriverPosition, bool, error)
	SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error
	GetStatus(ctx context.Context, driverID string) (models.DriverStatus, bool, error)
	// Invalidate removes every entry for the driver.
	Invalidate(ctx context.Context, driverID string) error
	// Nearby returns cached drivers within radiusKm sorted by distance,
	// capped at count when count > 0.
	Nearby(ctx context.Context, lat, lon, radiusKm float64, count int) ([]models.NearbyDriver, error)
	SetRating(ctx context.Context, driverID string, rating float64) error
	Ratings(ctx context.Context, driverIDs []string) (map[string]float64, error)
	Ping(ctx context.Context) error
}
