package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"store-gateway/internal/observability"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client), mr
}

func TestRedisStoreIncr(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, err := store.Incr(ctx, "ip:m1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	// TTL is set on the first hit only.
	assert.Greater(t, mr.TTL("rl:ip:m1"), time.Duration(0))
}

func TestRedisStoreBlockRoundTrip(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	until := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, store.SetBlock(ctx, "198.51.100.4", until))

	got, blocked, err := store.BlockedUntil(ctx, "198.51.100.4")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.WithinDuration(t, until, got, time.Second)
}

func TestRedisStoreMissingBlock(t *testing.T) {
	store, _ := newRedisStore(t)

	_, blocked, err := store.BlockedUntil(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestRedisStoreBlockExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetBlock(ctx, "198.51.100.5", time.Now().UTC().Add(time.Minute)))
	mr.FastForward(2 * time.Minute)

	_, blocked, err := store.BlockedUntil(ctx, "198.51.100.5")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestControllerWithRedisStore(t *testing.T) {
	store, _ := newRedisStore(t)
	c := NewController(store, observability.NewLogger())
	c.WithLimits(2, 0, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := c.Check(ctx, "198.51.100.6")
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	result, err := c.Check(ctx, "198.51.100.6")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}
