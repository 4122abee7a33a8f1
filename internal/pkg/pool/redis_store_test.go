package pool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/RedeemFox/internal/pkg/env"
)

const isolatedPoolTestRedisDB = 12

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       isolatedPoolTestRedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", err)
	}
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(newTestRedis(t))

	require.NoError(t, s.Add(ctx, "pool_us_500", Member{1, 600}, Member{2, 900}))
	require.NoError(t, s.Add(ctx, "pool_us_100", Member{2, 900}))

	size, err := s.Size(ctx, "pool_us_500")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	require.NoError(t, s.UpdateScore(ctx, 2, 450))
	m, ok, err := s.PopMax(ctx, "pool_us_500")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Member{1, 600}, m)

	m, ok, err = s.PopMax(ctx, "pool_us_100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Member{2, 450}, m)

	require.NoError(t, s.Remove(ctx, 2))
	_, ok, err = s.PopMax(ctx, "pool_us_500")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pool_us_100", "pool_us_500"}, keys)

	n, err := s.SweepEmpty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	keys, _ = s.Keys(ctx)
	assert.Empty(t, keys)
}

func TestRedisStore_Replace(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(newTestRedis(t))

	require.NoError(t, s.Add(ctx, "pool_us_500", Member{1, 600}))
	require.NoError(t, s.Replace(ctx, "pool_us_500", []Member{{3, 700}, {4, 800}}))

	m, ok, err := s.PopMax(ctx, "pool_us_500")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint(4), m.AccountID)

	// Account 1 was replaced away; rescoring it must not resurrect it.
	require.NoError(t, s.UpdateScore(ctx, 1, 10_000))
	size, _ := s.Size(ctx, "pool_us_500")
	assert.Equal(t, int64(1), size)
}
