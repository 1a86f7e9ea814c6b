package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSetGet(t *testing.T) {
	c := NewCache(10, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1", time.Minute))

	value, found, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", value)

	_, found, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheExpiration(t *testing.T) {
	c := NewCache(10, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "x", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, found, _ := c.Get(ctx, "short")
	assert.False(t, found)

	c.deleteExpired()
	assert.Equal(t, 0, c.Count())
}

func TestCacheEvictsWhenFull(t *testing.T) {
	c := NewCache(2, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "first", "1", time.Minute))
	require.NoError(t, c.Set(ctx, "second", "2", time.Hour))
	require.NoError(t, c.Set(ctx, "third", "3", time.Hour))

	assert.Equal(t, 2, c.Count())
	_, found, _ := c.Get(ctx, "first")
	assert.False(t, found, "entry closest to expiry is evicted first")
	_, found, _ = c.Get(ctx, "third")
	assert.True(t, found)
}

func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	c := NewCache(1, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "1", time.Minute))
	require.NoError(t, c.Set(ctx, "k", "2", time.Minute))

	value, found, _ := c.Get(ctx, "k")
	assert.True(t, found)
	assert.Equal(t, "2", value)
}

func TestCacheCloseIsIdempotent(t *testing.T) {
	c := NewCache(1, time.Millisecond)
	c.Close()
	c.Close()
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions("redis://:secret@cache.internal:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)

	opts, err = redisOptions("cache.internal:6379")
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6379", opts.Addr)

	opts, err = redisOptions("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	store, err := NewRedisStore("localhost:6379")
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, DefaultKeyPrefix+"member:1:2", store.key("member:1:2"))
}
