package courierpool

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"marketplace/internal/logx"
	"marketplace/internal/types"
)

// MARKET_TEST_REDIS points at a disposable Redis (host:port).
func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("MARKET_TEST_REDIS")
	if addr == "" {
		t.Skip("MARKET_TEST_REDIS not set; skipping Redis-backed tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())
	require.NoError(t, client.Del(ctx, courierGeoKey).Err())
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, nil)
}

func TestRedisStore_NearbySkipsStaleAndOffline(t *testing.T) {
	s := setupRedisStore(t)
	ctx := context.Background()
	center := types.Point{Lat: -23.5505, Lng: -46.6333}
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, Presence{CourierID: "near", Position: types.Point{Lat: -23.551, Lng: -46.634}, SeenAt: now}, time.Minute))
	require.NoError(t, s.Upsert(ctx, Presence{CourierID: "far", Position: types.Point{Lat: -22.9, Lng: -43.2}, SeenAt: now}, time.Minute))
	require.NoError(t, s.Upsert(ctx, Presence{CourierID: "offline", Position: types.Point{Lat: -23.552, Lng: -46.633}, SeenAt: now}, time.Minute))
	require.NoError(t, s.Remove(ctx, "offline"))
	require.NoError(t, s.Upsert(ctx, Presence{CourierID: "stale", Position: types.Point{Lat: -23.5506, Lng: -46.6334}, SeenAt: now}, time.Minute))
	require.NoError(t, s.redis.Del(ctx, heartbeatKey("stale")).Err())

	ids, err := s.Nearby(ctx, center, 5, 10)
	require.NoError(t, err)
	require.Equal(t, []types.ID{"near"}, ids)

	score, err := s.redis.ZScore(ctx, courierGeoKey, "stale").Result()
	require.ErrorIs(t, err, redis.Nil, "stale member should be evicted, got score %v", score)
}

func TestRedisStore_EvictFailureIsLogged(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	var buf bytes.Buffer
	s := NewRedisStore(client, logx.New(&buf, "debug"))

	s.evict(context.Background(), []any{"gone"})
	require.Contains(t, buf.String(), "stale courier eviction failed")

	buf.Reset()
	s.evict(context.Background(), nil)
	require.Empty(t, buf.String())
}
