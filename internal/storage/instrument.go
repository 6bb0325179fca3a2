package storage

import (
	"context"
	"time"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/bso"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/metrics"
)

// WithMetrics wraps a Store so every backend operation reports its duration
// to the storage op histogram, labeled with the backend name. Lock
// acquisition and lifecycle calls pass through unobserved.
func WithMetrics(s Store, backend string) Store {
	return &instrumentedStore{inner: s, backend: backend}
}

type instrumentedStore struct {
	inner   Store
	backend string
}

func (s *instrumentedStore) observe(op string, start time.Time) {
	metrics.ObserveStorageOp(s.backend, op, time.Since(start))
}

func (s *instrumentedStore) GetStorageVersion(ctx context.Context, userID uint64) (int64, error) {
	defer s.observe("get_storage_version", time.Now())
	return s.inner.GetStorageVersion(ctx, userID)
}

func (s *instrumentedStore) GetCollectionVersions(ctx context.Context, userID uint64) (map[string]int64, error) {
	defer s.observe("get_collection_versions", time.Now())
	return s.inner.GetCollectionVersions(ctx, userID)
}

func (s *instrumentedStore) GetCollectionCounts(ctx context.Context, userID uint64) (map[string]int64, error) {
	defer s.observe("get_collection_counts", time.Now())
	return s.inner.GetCollectionCounts(ctx, userID)
}

func (s *instrumentedStore) GetCollectionUsage(ctx context.Context, userID uint64) (map[string]int64, error) {
	defer s.observe("get_collection_usage", time.Now())
	return s.inner.GetCollectionUsage(ctx, userID)
}

func (s *instrumentedStore) GetTotalUsage(ctx context.Context, userID uint64, recalculate bool) (int64, error) {
	defer s.observe("get_total_usage", time.Now())
	return s.inner.GetTotalUsage(ctx, userID, recalculate)
}

func (s *instrumentedStore) GetCollectionVersion(ctx context.Context, userID uint64, collection string) (int64, error) {
	defer s.observe("get_collection_version", time.Now())
	return s.inner.GetCollectionVersion(ctx, userID, collection)
}

func (s *instrumentedStore) GetItems(ctx context.Context, userID uint64, collection string, filter Filter) (*ItemPage, error) {
	defer s.observe("get_items", time.Now())
	return s.inner.GetItems(ctx, userID, collection, filter)
}

func (s *instrumentedStore) GetItemIDs(ctx context.Context, userID uint64, collection string, filter Filter) (*IDPage, error) {
	defer s.observe("get_item_ids", time.Now())
	return s.inner.GetItemIDs(ctx, userID, collection, filter)
}

func (s *instrumentedStore) GetItem(ctx context.Context, userID uint64, collection, itemID string) (*bso.BSO, error) {
	defer s.observe("get_item", time.Now())
	return s.inner.GetItem(ctx, userID, collection, itemID)
}

func (s *instrumentedStore) GetItemVersion(ctx context.Context, userID uint64, collection, itemID string) (int64, error) {
	defer s.observe("get_item_version", time.Now())
	return s.inner.GetItemVersion(ctx, userID, collection, itemID)
}

func (s *instrumentedStore) SetItem(ctx context.Context, userID uint64, collection, itemID string, b *bso.BSO) (WriteResult, error) {
	defer s.observe("set_item", time.Now())
	return s.inner.SetItem(ctx, userID, collection, itemID, b)
}

func (s *instrumentedStore) SetItems(ctx context.Context, userID uint64, collection string, items []*bso.BSO) (int64, error) {
	defer s.observe("set_items", time.Now())
	return s.inner.SetItems(ctx, userID, collection, items)
}

func (s *instrumentedStore) DeleteItem(ctx context.Context, userID uint64, collection, itemID string) error {
	defer s.observe("delete_item", time.Now())
	return s.inner.DeleteItem(ctx, userID, collection, itemID)
}

func (s *instrumentedStore) DeleteItems(ctx context.Context, userID uint64, collection string, ids []string) (int64, error) {
	defer s.observe("delete_items", time.Now())
	return s.inner.DeleteItems(ctx, userID, collection, ids)
}

func (s *instrumentedStore) DeleteCollection(ctx context.Context, userID uint64, collection string) error {
	defer s.observe("delete_collection", time.Now())
	return s.inner.DeleteCollection(ctx, userID, collection)
}

func (s *instrumentedStore) DeleteUserStorage(ctx context.Context, userID uint64) error {
	defer s.observe("delete_user_storage", time.Now())
	return s.inner.DeleteUserStorage(ctx, userID)
}

func (s *instrumentedStore) LockCollectionRead(ctx context.Context, userID uint64, collection string) (UnlockFunc, error) {
	return s.inner.LockCollectionRead(ctx, userID, collection)
}

func (s *instrumentedStore) LockCollectionWrite(ctx context.Context, userID uint64, collection string) (UnlockFunc, error) {
	return s.inner.LockCollectionWrite(ctx, userID, collection)
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}
