// Package cache provides a Redis-backed read-through decorator over a
// storage backend.
//
// Purpose:
//
//	The info endpoints (collection versions, counts, usage, quota) are hit on
//	every sync, while the underlying answers only change when the user
//	writes. This decorator caches those four per-user answers in Redis under
//	a TTL and invalidates them on every mutating operation before delegating
//	to the wrapped store.
//
// Key Responsibilities:
//   - Store wraps a storage.Store and is itself a storage.Store
//   - Metadata reads consult Redis first; misses fall through and populate
//   - All writes delete the user's cached keys, then delegate
//
// Error Handling:
//   - Redis failures never fail a request: reads degrade to a miss, write
//     invalidation failures are logged and the write proceeds. A stale entry
//     expires at the TTL boundary.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/bso"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/metrics"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage"
)

const keyPrefix = "syncstorage"

// Store decorates a storage backend with Redis metadata caching.
type Store struct {
	inner  storage.Store
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

var _ storage.Store = (*Store)(nil)

// New wraps inner with a Redis metadata cache.
func New(inner storage.Store, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

func userKey(userID uint64, kind string) string {
	return fmt.Sprintf("%s:%d:%s", keyPrefix, userID, kind)
}

// getJSON fetches and decodes a cached value. ok is false on miss or error.
func getJSON[T any](ctx context.Context, s *Store, key string, out *T) bool {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		metrics.RecordCacheMiss()
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache entry corrupt")
		metrics.RecordCacheMiss()
		return false
	}
	metrics.RecordCacheHit()
	return true
}

func (s *Store) setJSON(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// invalidate drops every cached answer for the user.
func (s *Store) invalidate(ctx context.Context, userID uint64) {
	keys := []string{
		userKey(userID, "collections"),
		userKey(userID, "counts"),
		userKey(userID, "usage"),
		userKey(userID, "total"),
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn().Err(err).Uint64("user", userID).Msg("cache invalidation failed")
	}
}

// GetCollectionVersions serves the version map from cache when possible.
func (s *Store) GetCollectionVersions(ctx context.Context, userID uint64) (map[string]int64, error) {
	key := userKey(userID, "collections")
	var cached map[string]int64
	if getJSON(ctx, s, key, &cached) {
		return cached, nil
	}
	out, err := s.inner.GetCollectionVersions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, key, out)
	return out, nil
}

// GetCollectionCounts serves the count map from cache when possible.
func (s *Store) GetCollectionCounts(ctx context.Context, userID uint64) (map[string]int64, error) {
	key := userKey(userID, "counts")
	var cached map[string]int64
	if getJSON(ctx, s, key, &cached) {
		return cached, nil
	}
	out, err := s.inner.GetCollectionCounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, key, out)
	return out, nil
}

// GetCollectionUsage serves the usage map from cache when possible.
func (s *Store) GetCollectionUsage(ctx context.Context, userID uint64) (map[string]int64, error) {
	key := userKey(userID, "usage")
	var cached map[string]int64
	if getJSON(ctx, s, key, &cached) {
		return cached, nil
	}
	out, err := s.inner.GetCollectionUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, key, out)
	return out, nil
}

// GetTotalUsage serves the total from cache unless recalculation is forced.
func (s *Store) GetTotalUsage(ctx context.Context, userID uint64, recalculate bool) (int64, error) {
	key := userKey(userID, "total")
	if !recalculate {
		var cached int64
		if getJSON(ctx, s, key, &cached) {
			return cached, nil
		}
	}
	out, err := s.inner.GetTotalUsage(ctx, userID, recalculate)
	if err != nil {
		return 0, err
	}
	s.setJSON(ctx, key, out)
	return out, nil
}

// GetStorageVersion delegates; the answer is derived from data that the
// version-map cache already covers, and it must never be stale across a
// user's own write.
func (s *Store) GetStorageVersion(ctx context.Context, userID uint64) (int64, error) {
	return s.inner.GetStorageVersion(ctx, userID)
}

// GetCollectionVersion delegates to the wrapped store.
func (s *Store) GetCollectionVersion(ctx context.Context, userID uint64, collection string) (int64, error) {
	return s.inner.GetCollectionVersion(ctx, userID, collection)
}

// GetItems delegates to the wrapped store.
func (s *Store) GetItems(ctx context.Context, userID uint64, collection string, filter storage.Filter) (*storage.ItemPage, error) {
	return s.inner.GetItems(ctx, userID, collection, filter)
}

// GetItemIDs delegates to the wrapped store.
func (s *Store) GetItemIDs(ctx context.Context, userID uint64, collection string, filter storage.Filter) (*storage.IDPage, error) {
	return s.inner.GetItemIDs(ctx, userID, collection, filter)
}

// GetItem delegates to the wrapped store.
func (s *Store) GetItem(ctx context.Context, userID uint64, collection, itemID string) (*bso.BSO, error) {
	return s.inner.GetItem(ctx, userID, collection, itemID)
}

// GetItemVersion delegates to the wrapped store.
func (s *Store) GetItemVersion(ctx context.Context, userID uint64, collection, itemID string) (int64, error) {
	return s.inner.GetItemVersion(ctx, userID, collection, itemID)
}

// SetItem invalidates the user's cached metadata, then delegates.
func (s *Store) SetItem(ctx context.Context, userID uint64, collection, itemID string, b *bso.BSO) (storage.WriteResult, error) {
	s.invalidate(ctx, userID)
	return s.inner.SetItem(ctx, userID, collection, itemID, b)
}

// SetItems invalidates the user's cached metadata, then delegates.
func (s *Store) SetItems(ctx context.Context, userID uint64, collection string, items []*bso.BSO) (int64, error) {
	s.invalidate(ctx, userID)
	return s.inner.SetItems(ctx, userID, collection, items)
}

// DeleteItem invalidates the user's cached metadata, then delegates.
func (s *Store) DeleteItem(ctx context.Context, userID uint64, collection, itemID string) error {
	s.invalidate(ctx, userID)
	return s.inner.DeleteItem(ctx, userID, collection, itemID)
}

// DeleteItems invalidates the user's cached metadata, then delegates.
func (s *Store) DeleteItems(ctx context.Context, userID uint64, collection string, ids []string) (int64, error) {
	s.invalidate(ctx, userID)
	return s.inner.DeleteItems(ctx, userID, collection, ids)
}

// DeleteCollection invalidates the user's cached metadata, then delegates.
func (s *Store) DeleteCollection(ctx context.Context, userID uint64, collection string) error {
	s.invalidate(ctx, userID)
	return s.inner.DeleteCollection(ctx, userID, collection)
}

// DeleteUserStorage invalidates the user's cached metadata, then delegates.
func (s *Store) DeleteUserStorage(ctx context.Context, userID uint64) error {
	s.invalidate(ctx, userID)
	return s.inner.DeleteUserStorage(ctx, userID)
}

// LockCollectionRead delegates to the wrapped store.
func (s *Store) LockCollectionRead(ctx context.Context, userID uint64, collection string) (storage.UnlockFunc, error) {
	return s.inner.LockCollectionRead(ctx, userID, collection)
}

// LockCollectionWrite delegates to the wrapped store.
func (s *Store) LockCollectionWrite(ctx context.Context, userID uint64, collection string) (storage.UnlockFunc, error) {
	return s.inner.LockCollectionWrite(ctx, userID, collection)
}

// Ping checks both Redis and the wrapped store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: redis not ready: %w", err)
	}
	return s.inner.Ping(ctx)
}

// Close closes the wrapped store. The Redis client is owned by bootstrap.
func (s *Store) Close() error {
	return s.inner.Close()
}
