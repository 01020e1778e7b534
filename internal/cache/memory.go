package cache

import (
	"context"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

type memEntry struct {
	pos       models.DriverPosition
	expiresAt time.Time
}

type memStatus struct {
	status    models.DriverStatus
	expiresAt time.Time
}

// MemoryCache is the in-process Cache used for local runs and tests. Entries
// expire after ttl according to the injected clock.
type MemoryCache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	now      func() time.Time
	drivers  map[string]memEntry
	statuses map[string]memStatus
	ratings  map[string]float64
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		ttl:      ttl,
		now:      time.Now,
		drivers:  make(map[string]memEntry),
		statuses: make(map[string]memStatus),
		ratings:  make(map[string]float64),
	}
}

// WithClock swaps the time source; used by tests to age entries.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) PutPosition(_ context.Context, pos models.DriverPosition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if cur, ok := c.drivers[pos.DriverID]; ok && now.Before(cur.expiresAt) && cur.pos.Timestamp.After(pos.Timestamp) {
		return nil
	}
	exp := now.Add(c.ttl)
	c.drivers[pos.DriverID] = memEntry{pos: pos, expiresAt: exp}
	c.statuses[pos.DriverID] = memStatus{status: pos.Status, expiresAt: exp}
	return nil
}

func (c *MemoryCache) GetPosition(_ context.Context, driverID string) (models.DriverPosition, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.drivers[driverID]
	if !ok || !c.now().Before(e.expiresAt) {
		return models.DriverPosition{}, false, nil
	}
	return e.pos, true, nil
}

func (c *MemoryCache) SetStatus(_ context.Context, driverID string, status models.DriverStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[driverID] = memStatus{status: status, expiresAt: c.now().Add(c.ttl)}
	if e, ok := c.drivers[driverID]; ok {
		e.pos.Status = status
		c.drivers[driverID] = e
	}
	return nil
}

func (c *MemoryCache) GetStatus(_ context.Context, driverID string) (models.DriverStatus, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.statuses[driverID]
	if !ok || !c.now().Before(s.expiresAt) {
		return "", false, nil
	}
	return s.status, true, nil
}

func (c *MemoryCache) Invalidate(_ context.Context, driverID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.drivers, driverID)
	delete(c.statuses, driverID)
	return nil
}

// Nearby is a linear scan; fine for the driver counts a single process holds.
func (c *MemoryCache) Nearby(_ context.Context, lat, lon, radiusKm float64, count int) ([]models.NearbyDriver, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	arr := make([]models.NearbyDriver, 0, len(c.drivers))
	for id, e := range c.drivers {
		if !now.Before(e.expiresAt) {
			continue
		}
		dist := geo.Haversine(lat, lon, e.pos.Lat, e.pos.Lon)
		if dist > radiusKm {
			continue
		}
		arr = append(arr, models.NearbyDriver{
			DriverID:   id,
			Lat:        e.pos.Lat,
			Lon:        e.pos.Lon,
			Status:     e.pos.Status,
			DistanceKm: dist,
			Rating:     c.ratings[id],
			Timestamp:  e.pos.Timestamp,
		})
	}
	// partial selection sort for top-N
	n := len(arr)
	if count > 0 && count < n {
		n = count
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceKm < arr[minIdx].DistanceKm {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

func (c *MemoryCache) SetRating(_ context.Context, driverID string, rating float64) error {
	c.mu.Lock()
	c.ratings[driverID] = rating
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Ratings(_ context.Context, driverIDs []string) (map[string]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(driverIDs))
	for _, id := range driverIDs {
		if r, ok := c.ratings[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }
