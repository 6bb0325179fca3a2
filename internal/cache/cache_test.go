package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/bso"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage/memory"
)

func ptrString(s string) *string { return &s }

// setupCache starts a Redis container and wraps a fresh in-memory store.
func setupCache(t *testing.T, ttl time.Duration) (*Store, *memory.Store, *redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(ctx).Err())

	inner := memory.New()
	cached := New(inner, client, ttl, zerolog.Nop())

	cleanup := func() {
		_ = client.Close()
		require.NoError(t, container.Terminate(ctx))
	}
	return cached, inner, client, cleanup
}

func TestCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	cached, inner, client, cleanup := setupCache(t, time.Minute)
	defer cleanup()

	ctx := context.Background()

	t.Run("metadata reads populate the cache", func(t *testing.T) {
		_, err := cached.SetItem(ctx, 1, "bookmarks", "b1", &bso.BSO{Payload: ptrString("hello")})
		require.NoError(t, err)

		versions, err := cached.GetCollectionVersions(ctx, 1)
		require.NoError(t, err)
		require.Contains(t, versions, "bookmarks")

		keys, err := client.Keys(ctx, "syncstorage:1:*").Result()
		require.NoError(t, err)
		assert.Contains(t, keys, "syncstorage:1:collections")

		// Second read is served from Redis: poison the inner store by
		// writing through it directly without invalidation and confirm the
		// cached answer is returned.
		_, err = inner.SetItem(ctx, 1, "history", "h1", &bso.BSO{Payload: ptrString("x")})
		require.NoError(t, err)

		versions2, err := cached.GetCollectionVersions(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, versions, versions2)
		assert.NotContains(t, versions2, "history")
	})

	t.Run("writes invalidate cached metadata", func(t *testing.T) {
		_, err := cached.SetItem(ctx, 2, "bookmarks", "b1", &bso.BSO{Payload: ptrString("one")})
		require.NoError(t, err)

		counts, err := cached.GetCollectionCounts(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts["bookmarks"])

		_, err = cached.SetItem(ctx, 2, "bookmarks", "b2", &bso.BSO{Payload: ptrString("two")})
		require.NoError(t, err)

		counts, err = cached.GetCollectionCounts(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts["bookmarks"], "write must drop the stale count")
	})

	t.Run("total usage honors recalculate", func(t *testing.T) {
		_, err := cached.SetItem(ctx, 3, "bookmarks", "b1", &bso.BSO{Payload: ptrString("12345")})
		require.NoError(t, err)

		total, err := cached.GetTotalUsage(ctx, 3, false)
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)

		// Grow the inner store without invalidating.
		_, err = inner.SetItem(ctx, 3, "bookmarks", "b2", &bso.BSO{Payload: ptrString("678")})
		require.NoError(t, err)

		total, err = cached.GetTotalUsage(ctx, 3, false)
		require.NoError(t, err)
		assert.Equal(t, int64(5), total, "cached figure survives until invalidation")

		total, err = cached.GetTotalUsage(ctx, 3, true)
		require.NoError(t, err)
		assert.Equal(t, int64(8), total, "recalculate bypasses the cache")
	})

	t.Run("item reads and versions bypass the cache", func(t *testing.T) {
		res, err := cached.SetItem(ctx, 4, "tabs", "t1", &bso.BSO{Payload: ptrString("x")})
		require.NoError(t, err)

		item, err := cached.GetItem(ctx, 4, "tabs", "t1")
		require.NoError(t, err)
		assert.Equal(t, "x", *item.Payload)

		v, err := cached.GetStorageVersion(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, res.Version, v)
	})

	t.Run("delete user storage invalidates", func(t *testing.T) {
		_, err := cached.SetItem(ctx, 5, "bookmarks", "b1", &bso.BSO{Payload: ptrString("x")})
		require.NoError(t, err)
		_, err = cached.GetCollectionVersions(ctx, 5)
		require.NoError(t, err)

		require.NoError(t, cached.DeleteUserStorage(ctx, 5))

		versions, err := cached.GetCollectionVersions(ctx, 5)
		require.NoError(t, err)
		assert.Empty(t, versions)
	})

	t.Run("ping covers redis and inner", func(t *testing.T) {
		require.NoError(t, cached.Ping(ctx))
	})
}
