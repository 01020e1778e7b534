// Package storage is the append-only location log: one row per accepted
// update, never mutated. It is the recovery source when the cache is empty
// or disagrees.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

// LocationLog defines persistence operations for position history. "Latest"
// always means the row with the greatest timestamp per driver.
type LocationLog interface {
	// Append stores pos and calls afterCommit once the row is durable.
	// afterCommit is never called when Append returns an error.
	Append(ctx context.Context, pos models.DriverPosition, afterCommit func()) error
	Latest(ctx context.Context, driverID string) (models.DriverPosition, bool, error)
	Range(ctx context.Context, driverID string, from, to time.Time) ([]models.DriverPosition, error)
	LatestInBox(ctx context.Context, box geo.BoundingBox) ([]models.DriverPosition, error)
	LatestByGeohashPrefix(ctx context.Context, prefix string) ([]models.DriverPosition, error)
	LatestAll(ctx context.Context) ([]models.DriverPosition, error)
}

// MemoryLog keeps timestamps at microsecond precision, as Postgres does.
type MemoryLog struct {
	mu   sync.RWMutex
	rows []models.DriverPosition
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(_ context.Context, pos models.DriverPosition, afterCommit func()) error {
	pos.Timestamp = pos.Timestamp.Truncate(time.Microsecond)
	m.mu.Lock()
	m.rows = append(m.rows, pos)
	m.mu.Unlock()
	if afterCommit != nil {
		afterCommit()
	}
	return nil
}

func (m *MemoryLog) Latest(_ context.Context, driverID string) (models.DriverPosition, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best models.DriverPosition
	found := false
	for _, r := range m.rows {
		if r.DriverID != driverID {
			continue
		}
		if !found || !r.Timestamp.Before(best.Timestamp) {
			best, found = r, true
		}
	}
	return best, found, nil
}

func (m *MemoryLog) Range(_ context.Context, driverID string, from, to time.Time) ([]models.DriverPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DriverPosition
	for _, r := range m.rows {
		if r.DriverID == driverID && !r.Timestamp.Before(from) && !r.Timestamp.After(to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryLog) LatestInBox(ctx context.Context, box geo.BoundingBox) ([]models.DriverPosition, error) {
	return m.latestWhere(func(p models.DriverPosition) bool { return box.Contains(p.Lat, p.Lon) }), nil
}

func (m *MemoryLog) LatestByGeohashPrefix(_ context.Context, prefix string) ([]models.DriverPosition, error) {
	return m.latestWhere(func(p models.DriverPosition) bool { return strings.HasPrefix(p.Geohash, prefix) }), nil
}

func (m *MemoryLog) LatestAll(context.Context) ([]models.DriverPosition, error) {
	return m.latestWhere(func(models.DriverPosition) bool { return true }), nil
}

// latestWhere picks each driver's latest row first and filters afterwards,
// matching the grouped sub-query used by PostgresLog.
func (m *MemoryLog) latestWhere(keep func(models.DriverPosition) bool) []models.DriverPosition {
	m.mu.RLock()
	latest := make(map[string]models.DriverPosition)
	for _, r := range m.rows {
		if cur, ok := latest[r.DriverID]; !ok || !cur.Timestamp.After(r.Timestamp) {
			latest[r.DriverID] = r
		}
	}
	m.mu.RUnlock()
	out := make([]models.DriverPosition, 0, len(latest))
	for _, p := range latest {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// Len reports the number of stored rows.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}
