package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCacheService(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewRedisCacheServiceFromClient(client)

	require.NoError(t, cache.Ping(ctx))

	_, err := cache.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, "broker:stats:a", map[string]int{"count": 3}, time.Minute))
	value, err := cache.Get(ctx, "broker:stats:a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3}`, value)

	require.NoError(t, cache.Set(ctx, "broker:stats:b", 1, time.Minute))
	require.NoError(t, cache.DeleteByPattern(ctx, "broker:stats:*"))
	assert.False(t, mr.Exists("broker:stats:a"))
	assert.False(t, mr.Exists("broker:stats:b"))

	require.NoError(t, cache.Set(ctx, "k", "v", time.Second))
	mr.FastForward(2 * time.Second)
	_, err = cache.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}
