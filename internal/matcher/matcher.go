// Package matcher finds and ranks available drivers around a point.
package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/driver-dispatch/internal/cache"
	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/storage"
)

const DefaultLimit = 10

// Service searches the durable log, with the spatial cache as the hot
// source of positions and statuses. Cache is optional.
type Service struct {
	Cache        cache.Cache
	Log          storage.LocationLog
	ETA          *eta.Estimator
	DefaultLimit int
	Logger       *slog.Logger
}

type candidate struct {
	pos       models.DriverPosition
	fromCache bool
}

// FindNearby returns up to limit AVAILABLE drivers within radiusKm of the
// centre, closest first and higher rating first on equal distance.
func (s *Service) FindNearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	if err := geo.ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}
	if err := geo.ValidateRadius(radiusKm); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.DefaultLimit
		if limit <= 0 {
			limit = DefaultLimit
		}
	}
	start := time.Now()
	defer func() { observability.NearbyLatency.Observe(time.Since(start).Seconds()) }()
	logger := logging.FromContext(ctx, s.logger())

	cands := make(map[string]candidate)
	merge := func(pos models.DriverPosition, fromCache bool) {
		cur, ok := cands[pos.DriverID]
		if !ok || pos.Timestamp.After(cur.pos.Timestamp) {
			cands[pos.DriverID] = candidate{pos: pos, fromCache: fromCache}
		}
	}

	if s.Cache != nil {
		hot, err := s.Cache.Nearby(ctx, lat, lon, radiusKm, 0)
		if err != nil {
			logger.Warn("cache nearby failed, using log only", "error", err)
		}
		for _, d := range hot {
			merge(models.DriverPosition{DriverID: d.DriverID, Lat: d.Lat, Lon: d.Lon, Status: d.Status, Timestamp: d.Timestamp}, true)
		}
		observability.NearbyQueriesTotal.WithLabelValues("cache").Inc()
	}

	prefix := geo.Prefix(lat, lon, geo.PrecisionForRadius(radiusKm))
	rows, err := s.Log.LatestByGeohashPrefix(ctx, prefix)
	if err != nil {
		logger.Warn("geohash prefix query failed, falling back to full scan", "prefix", prefix, "error", err)
		observability.NearbyQueriesTotal.WithLabelValues("full_scan").Inc()
		all, scanErr := s.Log.LatestAll(ctx)
		if scanErr != nil && len(cands) == 0 {
			return nil, scanErr
		}
		for _, p := range all {
			merge(p, false)
		}
	} else {
		observability.NearbyQueriesTotal.WithLabelValues("geohash").Inc()
		for _, p := range rows {
			merge(p, false)
		}
		if len(cands) < 2*limit {
			box, _ := geo.BoundingBoxFor(lat, lon, radiusKm)
			wide, err := s.Log.LatestInBox(ctx, box)
			if err != nil {
				logger.Warn("bounding box query failed", "error", err)
			}
			observability.NearbyQueriesTotal.WithLabelValues("bbox").Inc()
			for _, p := range wide {
				merge(p, false)
			}
		}
	}

	out := make([]models.NearbyDriver, 0, len(cands))
	for id, c := range cands {
		pos := c.pos
		if !c.fromCache && s.Cache != nil {
			// the cache wins whenever it holds something at least as recent
			if cached, ok, err := s.Cache.GetPosition(ctx, id); err == nil && ok && !cached.Timestamp.Before(pos.Timestamp) {
				pos = cached
			}
		}
		if pos.Status != models.StatusAvailable {
			continue
		}
		dist := geo.Haversine(lat, lon, pos.Lat, pos.Lon)
		if dist > radiusKm {
			continue
		}
		out = append(out, models.NearbyDriver{
			DriverID:   id,
			Lat:        pos.Lat,
			Lon:        pos.Lon,
			Status:     pos.Status,
			DistanceKm: dist,
			Timestamp:  pos.Timestamp,
		})
	}

	if s.Cache != nil && len(out) > 0 {
		ids := make([]string, len(out))
		for i, d := range out {
			ids[i] = d.DriverID
		}
		ratings, err := s.Cache.Ratings(ctx, ids)
		if err != nil {
			logger.Warn("rating lookup failed", "error", err)
		}
		for i := range out {
			out[i].Rating = ratings[out[i].DriverID]
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].DriverID < out[j].DriverID
	})
	if len(out) > limit {
		out = out[:limit]
	}

	center := models.Coord{Lat: lat, Lon: lon}
	for i := range out {
		out[i].ETASeconds = s.ETA.Estimate(ctx, models.Coord{Lat: out[i].Lat, Lon: out[i].Lon}, center)
	}
	return out, nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
