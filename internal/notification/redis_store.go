package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

// Offers are hashes at trip_offer:{driverId}:{tripId} holding the JSON body
// plus the fields the scripts branch on. trip_winner:{tripId} records the
// accepted driver and outlives the offers so a replayed trip event cannot
// reopen it. Both keys of a script must live on the same node.

var putScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', ARGV[2], 'expires_at', ARGV[3], 'accepted_by', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

var acceptScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
local winner = redis.call('GET', KEYS[2])
if winner == ARGV[1] then return 'already_yours' end
if tonumber(ARGV[2]) > tonumber(redis.call('HGET', KEYS[1], 'expires_at')) then
  redis.call('DEL', KEYS[1])
  return 'expired'
end
if winner then return 'taken' end
if redis.call('HGET', KEYS[1], 'status') ~= 'PENDING' then return 'not_pending' end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[4])
redis.call('HSET', KEYS[1], 'status', 'ACCEPTED', 'accepted_by', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 'accepted'
`)

var declineScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
if tonumber(ARGV[1]) > tonumber(redis.call('HGET', KEYS[1], 'expires_at')) then
  redis.call('DEL', KEYS[1])
  return 'expired'
end
if redis.call('HGET', KEYS[1], 'status') ~= 'PENDING' then return 'not_pending' end
redis.call('HSET', KEYS[1], 'status', 'DECLINED')
return 'declined'
`)

var expireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'status') ~= 'PENDING' then return 0 end
if tonumber(ARGV[1]) <= tonumber(redis.call('HGET', KEYS[1], 'expires_at')) then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

const scanBatch = 200

type RedisOfferStore struct {
	client redis.UniversalClient
}

func NewRedisOfferStore(client redis.UniversalClient) *RedisOfferStore {
	return &RedisOfferStore{client: client}
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", models.ErrTransientStorage, op, err)
}

func (r *RedisOfferStore) Put(ctx context.Context, offer models.TripOffer, ttl time.Duration) (bool, error) {
	body, err := json.Marshal(offer)
	if err != nil {
		return false, fmt.Errorf("marshal offer: %w", err)
	}
	n, err := putScript.Run(ctx, r.client,
		[]string{offerKey(offer.TripID, offer.DriverID), winnerKey(offer.TripID)},
		string(body),
		string(offer.Status),
		strconv.FormatInt(offer.ExpiresAt.UnixMilli(), 10),
		offer.AcceptedBy,
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, transient("put offer", err)
	}
	return n == 1, nil
}

func (r *RedisOfferStore) Winner(ctx context.Context, tripID string) (string, bool, error) {
	w, err := r.client.Get(ctx, winnerKey(tripID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, transient("get winner", err)
	}
	return w, true, nil
}

func decodeOffer(m map[string]string) (models.TripOffer, bool) {
	if len(m) == 0 || m["data"] == "" {
		return models.TripOffer{}, false
	}
	var o models.TripOffer
	if err := json.Unmarshal([]byte(m["data"]), &o); err != nil {
		return models.TripOffer{}, false
	}
	o.Status = models.OfferStatus(m["status"])
	o.AcceptedBy = m["accepted_by"]
	o.Accepted = o.Status == models.OfferAccepted
	return o, true
}

func (r *RedisOfferStore) Get(ctx context.Context, tripID, driverID string) (models.TripOffer, bool, error) {
	m, err := r.client.HGetAll(ctx, offerKey(tripID, driverID)).Result()
	if err != nil {
		return models.TripOffer{}, false, transient("get offer", err)
	}
	o, ok := decodeOffer(m)
	return o, ok, nil
}

func (r *RedisOfferStore) Delete(ctx context.Context, tripID, driverID string) error {
	if err := r.client.Del(ctx, offerKey(tripID, driverID)).Err(); err != nil {
		return transient("delete offer", err)
	}
	return nil
}

// scan loads every offer whose key matches pattern. Keys that expire between
// SCAN and HGETALL are skipped.
func (r *RedisOfferStore) scan(ctx context.Context, pattern string) ([]models.TripOffer, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, transient("scan offers", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HGetAll(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, transient("load offers", err)
	}
	out := make([]models.TripOffer, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for i, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if o, ok := decodeOffer(cmds[i].Val()); ok {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TripID != out[j].TripID {
			return out[i].TripID < out[j].TripID
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, nil
}

func (r *RedisOfferStore) ListByTrip(ctx context.Context, tripID string) ([]models.TripOffer, error) {
	return r.scan(ctx, "trip_offer:*:"+tripID)
}

func (r *RedisOfferStore) ListByDriver(ctx context.Context, driverID string) ([]models.TripOffer, error) {
	return r.scan(ctx, "trip_offer:"+driverID+":*")
}

func (r *RedisOfferStore) ListAll(ctx context.Context) ([]models.TripOffer, error) {
	return r.scan(ctx, "trip_offer:*")
}

func (r *RedisOfferStore) TryAccept(ctx context.Context, tripID, driverID string, now time.Time, auditTTL, resolvedTTL time.Duration) (Outcome, error) {
	res, err := acceptScript.Run(ctx, r.client,
		[]string{offerKey(tripID, driverID), winnerKey(tripID)},
		driverID, now.UnixMilli(), auditTTL.Milliseconds(), resolvedTTL.Milliseconds()).Text()
	if err != nil {
		return "", transient("accept offer", err)
	}
	return Outcome(res), nil
}

func (r *RedisOfferStore) MarkDeclined(ctx context.Context, tripID, driverID string, now time.Time) (Outcome, error) {
	res, err := declineScript.Run(ctx, r.client, []string{offerKey(tripID, driverID)}, now.UnixMilli()).Text()
	if err != nil {
		return "", transient("decline offer", err)
	}
	return Outcome(res), nil
}

func (r *RedisOfferStore) ExpireIfPending(ctx context.Context, tripID, driverID string, now time.Time) (bool, error) {
	n, err := expireScript.Run(ctx, r.client, []string{offerKey(tripID, driverID)}, now.UnixMilli()).Int()
	if err != nil {
		return false, transient("expire offer", err)
	}
	return n == 1, nil
}
