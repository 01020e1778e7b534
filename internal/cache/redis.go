package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

const defaultGeoKey = "drivers_geo"

func positionKey(id string) string { return "driver:loc:" + id }
func statusKey(id string) string   { return "driver:status:" + id }
func metaKey(id string) string     { return "driver:meta:" + id }

// setStatusIfCached only touches the position hash when it still exists so
// an expired driver never gets a partial hash without coordinates.
var setStatusIfCached = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'status', ARGV[1])
  return 1
end
return 0
`)

// putIfNewer writes position, status and geo member together unless the
// stored sample carries a later timestamp. ts_us is microseconds since epoch.
var putIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts_us')
if cur and tonumber(cur) > tonumber(ARGV[4]) then
  return 0
end
redis.call('GEOADD', KEYS[3], ARGV[2], ARGV[1], ARGV[7])
redis.call('HSET', KEYS[1], 'lat', ARGV[1], 'lon', ARGV[2], 'status', ARGV[3], 'ts_us', ARGV[4], 'ts', ARGV[5], 'geohash', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[8])
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[8])
return 1
`)

// RedisCache implements Cache using Redis hashes, string keys and GEO
// commands. Positions live in driver:loc:{id} with a TTL; the GEO set has no
// per-member TTL so members whose hash has expired are pruned lazily.
type RedisCache struct {
	client redis.UniversalClient
	geoKey string
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, geoKey string, ttl time.Duration) *RedisCache {
	if geoKey == "" {
		geoKey = defaultGeoKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, geoKey: geoKey, ttl: ttl}
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", models.ErrTransientStorage, op, err)
}

func (r *RedisCache) PutPosition(ctx context.Context, pos models.DriverPosition) error {
	keys := []string{positionKey(pos.DriverID), statusKey(pos.DriverID), r.geoKey}
	err := putIfNewer.Run(ctx, r.client, keys,
		strconv.FormatFloat(pos.Lat, 'f', -1, 64),
		strconv.FormatFloat(pos.Lon, 'f', -1, 64),
		string(pos.Status),
		pos.Timestamp.UnixMicro(),
		pos.Timestamp.UTC().Format(time.RFC3339Nano),
		pos.Geohash,
		pos.DriverID,
		r.ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return transient("put position", err)
	}
	return nil
}

func (r *RedisCache) GetPosition(ctx context.Context, driverID string) (models.DriverPosition, bool, error) {
	m, err := r.client.HGetAll(ctx, positionKey(driverID)).Result()
	if err != nil {
		return models.DriverPosition{}, false, transient("get position", err)
	}
	pos, ok := positionFromHash(driverID, m)
	return pos, ok, nil
}

func positionFromHash(driverID string, m map[string]string) (models.DriverPosition, bool) {
	if len(m) == 0 {
		return models.DriverPosition{}, false
	}
	lat, errLat := strconv.ParseFloat(m["lat"], 64)
	lon, errLon := strconv.ParseFloat(m["lon"], 64)
	if errLat != nil || errLon != nil {
		return models.DriverPosition{}, false
	}
	ts, _ := time.Parse(time.RFC3339Nano, m["ts"])
	return models.DriverPosition{
		DriverID:  driverID,
		Lat:       lat,
		Lon:       lon,
		Status:    models.DriverStatus(m["status"]),
		Timestamp: ts,
		Geohash:   m["geohash"],
	}, true
}

func (r *RedisCache) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	if err := r.client.Set(ctx, statusKey(driverID), string(status), r.ttl).Err(); err != nil {
		return transient("set status", err)
	}
	if err := setStatusIfCached.Run(ctx, r.client, []string{positionKey(driverID)}, string(status)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return transient("set status", err)
	}
	return nil
}

func (r *RedisCache) GetStatus(ctx context.Context, driverID string) (models.DriverStatus, bool, error) {
	v, err := r.client.Get(ctx, statusKey(driverID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, transient("get status", err)
	}
	return models.DriverStatus(v), true, nil
}

func (r *RedisCache) Invalidate(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, positionKey(driverID), statusKey(driverID))
		p.ZRem(ctx, r.geoKey, driverID)
		return nil
	})
	if err != nil {
		return transient("invalidate", err)
	}
	return nil
}

func (r *RedisCache) Nearby(ctx context.Context, lat, lon, radiusKm float64, count int) ([]models.NearbyDriver, error) {
	res, err := r.client.GeoRadius(ctx, r.geoKey, lon, lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, transient("nearby", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(res))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, g := range res {
			cmds[i] = p.HGetAll(ctx, positionKey(g.Name))
		}
		return nil
	})
	if err != nil {
		return nil, transient("nearby", err)
	}

	out := make([]models.NearbyDriver, 0, len(res))
	var stale []interface{}
	for i, g := range res {
		pos, ok := positionFromHash(g.Name, cmds[i].Val())
		if !ok {
			stale = append(stale, g.Name)
			continue
		}
		out = append(out, models.NearbyDriver{
			DriverID:   g.Name,
			Lat:        pos.Lat,
			Lon:        pos.Lon,
			Status:     pos.Status,
			DistanceKm: g.Dist,
			Timestamp:  pos.Timestamp,
		})
		if count > 0 && len(out) == count {
			break
		}
	}
	if len(stale) > 0 {
		_ = r.client.ZRem(ctx, r.geoKey, stale...).Err()
	}
	return out, nil
}

func (r *RedisCache) SetRating(ctx context.Context, driverID string, rating float64) error {
	if err := r.client.HSet(ctx, metaKey(driverID), "rating", strconv.FormatFloat(rating, 'f', -1, 64)).Err(); err != nil {
		return transient("set rating", err)
	}
	return nil
}

func (r *RedisCache) Ratings(ctx context.Context, driverIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(driverIDs))
	if len(driverIDs) == 0 {
		return out, nil
	}
	cmds := make([]*redis.StringCmd, len(driverIDs))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range driverIDs {
			cmds[i] = p.HGet(ctx, metaKey(id), "rating")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, transient("ratings", err)
	}
	for i, id := range driverIDs {
		if f, err := cmds[i].Float64(); err == nil {
			out[id] = f
		}
	}
	return out, nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
