// README: Courier pool backed by Redis GEO with per-courier heartbeat keys.
package courierpool

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace/internal/logx"
	"marketplace/internal/types"
)

const (
	courierGeoKey      = "courierpool:couriers"
	heartbeatKeyPrefix = "courierpool:courier:%s:seen"
)

type RedisStore struct {
	redis *redis.Client
	log   logx.Logger
}

func NewRedisStore(redis *redis.Client, log logx.Logger) *RedisStore {
	if log == nil {
		log = logx.Nop()
	}
	return &RedisStore{redis: redis, log: log}
}

func (s *RedisStore) Upsert(ctx context.Context, p Presence, ttl time.Duration) error {
	pipe := s.redis.TxPipeline()
	pipe.GeoAdd(ctx, courierGeoKey, &redis.GeoLocation{
		Name:      string(p.CourierID),
		Longitude: p.Position.Lng,
		Latitude:  p.Position.Lat,
	})
	pipe.Set(ctx, heartbeatKey(p.CourierID), p.SeenAt.UTC().Format(time.RFC3339), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Remove(ctx context.Context, id types.ID) error {
	pipe := s.redis.TxPipeline()
	pipe.ZRem(ctx, courierGeoKey, string(id))
	pipe.Del(ctx, heartbeatKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Nearby returns up to count couriers within radiusKm of p, nearest first.
// Members whose heartbeat lapsed are dropped from the GEO set on the way.
func (s *RedisStore) Nearby(ctx context.Context, p types.Point, radiusKm float64, count int) ([]types.ID, error) {
	names, err := s.redis.GeoSearch(ctx, courierGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
		Count:      count,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	checks := make([]*redis.IntCmd, len(names))
	for i, n := range names {
		checks[i] = pipe.Exists(ctx, heartbeatKey(types.ID(n)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	ids := make([]types.ID, 0, len(names))
	var stale []any
	for i, n := range names {
		if checks[i].Val() == 1 {
			ids = append(ids, types.ID(n))
		} else {
			stale = append(stale, n)
		}
	}
	s.evict(ctx, stale)
	return ids, nil
}

// evict drops couriers whose heartbeat expired. A failure only delays the
// cleanup; Nearby keeps filtering them out.
func (s *RedisStore) evict(ctx context.Context, stale []any) {
	if len(stale) == 0 {
		return
	}
	if err := s.redis.ZRem(ctx, courierGeoKey, stale...).Err(); err != nil {
		s.log.Debug("stale courier eviction failed", logx.Int("stale", len(stale)), logx.Err(err))
	}
}

func heartbeatKey(id types.ID) string {
	return fmt.Sprintf(heartbeatKeyPrefix, string(id))
}
