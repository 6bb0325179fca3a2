package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/bso"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage"
)

func ptrString(s string) *string { return &s }
func ptrInt64(n int64) *int64    { return &n }

func putItem(t *testing.T, s *Store, userID uint64, collection, id, payload string) storage.WriteResult {
	t.Helper()
	res, err := s.SetItem(context.Background(), userID, collection, id, &bso.BSO{Payload: ptrString(payload)})
	require.NoError(t, err)
	return res
}

func TestSetItemCreateAndUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()

	res := putItem(t, s, 1, "bookmarks", "b1", "hello")
	assert.True(t, res.Created)
	assert.Greater(t, res.Version, int64(0))

	res2 := putItem(t, s, 1, "bookmarks", "b1", "world")
	assert.False(t, res2.Created)
	assert.Greater(t, res2.Version, res.Version)

	item, err := s.GetItem(ctx, 1, "bookmarks", "b1")
	require.NoError(t, err)
	assert.Equal(t, "world", *item.Payload)
	assert.Equal(t, res2.Version, item.Modified)
}

func TestPartialUpdateKeepsAbsentFields(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.SetItem(ctx, 1, "bookmarks", "b1", &bso.BSO{
		Payload:   ptrString("keep me"),
		SortIndex: ptrInt64(42),
	})
	require.NoError(t, err)

	// Update only the sortindex; payload must survive.
	_, err = s.SetItem(ctx, 1, "bookmarks", "b1", &bso.BSO{SortIndex: ptrInt64(7)})
	require.NoError(t, err)

	item, err := s.GetItem(ctx, 1, "bookmarks", "b1")
	require.NoError(t, err)
	assert.Equal(t, "keep me", *item.Payload)
	require.NotNil(t, item.SortIndex)
	assert.Equal(t, int64(7), *item.SortIndex)
}

func TestVersionsStrictlyIncrease(t *testing.T) {
	s := New()
	var last int64
	for i := 0; i < 10; i++ {
		res := putItem(t, s, 1, "history", "h1", "p")
		assert.Greater(t, res.Version, last)
		last = res.Version
	}
}

func TestSetItemsSharesOneVersion(t *testing.T) {
	s := New()
	ctx := context.Background()

	version, err := s.SetItems(ctx, 1, "tabs", []*bso.BSO{
		{ID: "t1", Payload: ptrString("a")},
		{ID: "t2", Payload: ptrString("b")},
		{ID: "t3", Payload: ptrString("c")},
	})
	require.NoError(t, err)

	for _, id := range []string{"t1", "t2", "t3"} {
		item, err := s.GetItem(ctx, 1, "tabs", id)
		require.NoError(t, err)
		assert.Equal(t, version, item.Modified)
	}

	colVersion, err := s.GetCollectionVersion(ctx, 1, "tabs")
	require.NoError(t, err)
	assert.Equal(t, version, colVersion)
}

func TestGetItemsFilterAndSort(t *testing.T) {
	s := New()
	ctx := context.Background()

	v1 := putItem(t, s, 1, "bookmarks", "a", "1").Version
	putItem(t, s, 1, "bookmarks", "b", "2")
	v3 := putItem(t, s, 1, "bookmarks", "c", "3").Version

	// Default sort is newest first.
	page, err := s.GetItems(ctx, 1, "bookmarks", storage.Filter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "c", page.Items[0].ID)
	assert.Equal(t, "a", page.Items[2].ID)

	// Oldest first.
	page, err = s.GetItems(ctx, 1, "bookmarks", storage.Filter{Sort: storage.SortOldest})
	require.NoError(t, err)
	assert.Equal(t, "a", page.Items[0].ID)

	// Newer excludes items at or below the bound.
	page, err = s.GetItems(ctx, 1, "bookmarks", storage.Filter{Newer: &v1})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	// Older excludes items at or above the bound.
	page, err = s.GetItems(ctx, 1, "bookmarks", storage.Filter{Older: &v3})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	// ID filter.
	page, err = s.GetItems(ctx, 1, "bookmarks", storage.Filter{IDs: []string{"a", "c"}})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestSortIndexOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, tc := range []struct {
		id string
		si int64
	}{{"low", 1}, {"high", 100}, {"mid", 50}} {
		_, err := s.SetItem(ctx, 1, "bookmarks", tc.id, &bso.BSO{
			Payload:   ptrString("x"),
			SortIndex: ptrInt64(tc.si),
		})
		require.NoError(t, err)
	}

	page, err := s.GetItems(ctx, 1, "bookmarks", storage.Filter{Sort: storage.SortIndex})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "high", page.Items[0].ID)
	assert.Equal(t, "mid", page.Items[1].ID)
	assert.Equal(t, "low", page.Items[2].ID)
}

func TestPagination(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		putItem(t, s, 1, "history", id, "p")
	}

	page, err := s.GetItemIDs(ctx, 1, "history", storage.Filter{Limit: 2, Sort: storage.SortOldest})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, page.IDs)
	require.NotEmpty(t, page.NextOffset)

	page, err = s.GetItemIDs(ctx, 1, "history", storage.Filter{Limit: 2, Offset: page.NextOffset, Sort: storage.SortOldest})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, page.IDs)
	require.NotEmpty(t, page.NextOffset)

	page, err = s.GetItemIDs(ctx, 1, "history", storage.Filter{Limit: 2, Offset: page.NextOffset, Sort: storage.SortOldest})
	require.NoError(t, err)
	assert.Equal(t, []string{"e"}, page.IDs)
	assert.Empty(t, page.NextOffset, "last page carries no continuation token")

	_, err = s.GetItemIDs(ctx, 1, "history", storage.Filter{Offset: "bogus"})
	assert.ErrorIs(t, err, storage.ErrInvalidOffset)
}

func TestTTLExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	_, err := s.SetItem(ctx, 1, "tabs", "t1", &bso.BSO{
		Payload: ptrString("ephemeral"),
		TTL:     ptrInt64(10),
	})
	require.NoError(t, err)

	_, err = s.GetItem(ctx, 1, "tabs", "t1")
	require.NoError(t, err)

	// Advance past the TTL: the item vanishes from every read path.
	s.now = func() time.Time { return base.Add(11 * time.Second) }

	_, err = s.GetItem(ctx, 1, "tabs", "t1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	counts, err := s.GetCollectionCounts(ctx, 1)
	require.NoError(t, err)
	assert.NotContains(t, counts, "tabs")

	page, err := s.GetItems(ctx, 1, "tabs", storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	// Writing over the expired row is a create.
	res, err := s.SetItem(ctx, 1, "tabs", "t1", &bso.BSO{Payload: ptrString("fresh")})
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestDeleteItem(t *testing.T) {
	s := New()
	ctx := context.Background()

	putItem(t, s, 1, "bookmarks", "b1", "x")
	before, err := s.GetCollectionVersion(ctx, 1, "bookmarks")
	require.NoError(t, err)

	require.NoError(t, s.DeleteItem(ctx, 1, "bookmarks", "b1"))

	_, err = s.GetItem(ctx, 1, "bookmarks", "b1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting bumps the collection version so other clients notice.
	after, err := s.GetCollectionVersion(ctx, 1, "bookmarks")
	require.NoError(t, err)
	assert.Greater(t, after, before)

	assert.ErrorIs(t, s.DeleteItem(ctx, 1, "bookmarks", "b1"), storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteItem(ctx, 1, "nope", "b1"), storage.ErrNotFound)
}

func TestDeleteItems(t *testing.T) {
	s := New()
	ctx := context.Background()

	putItem(t, s, 1, "bookmarks", "a", "1")
	putItem(t, s, 1, "bookmarks", "b", "2")
	before, err := s.GetCollectionVersion(ctx, 1, "bookmarks")
	require.NoError(t, err)

	// Missing ids are ignored, the version still bumps.
	version, err := s.DeleteItems(ctx, 1, "bookmarks", []string{"a", "missing"})
	require.NoError(t, err)
	assert.Greater(t, version, before)

	ids, err := s.GetItemIDs(ctx, 1, "bookmarks", storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids.IDs)

	_, err = s.DeleteItems(ctx, 1, "absent", []string{"a"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteCollection(t *testing.T) {
	s := New()
	ctx := context.Background()

	putItem(t, s, 1, "bookmarks", "a", "1")
	require.NoError(t, s.DeleteCollection(ctx, 1, "bookmarks"))

	_, err := s.GetCollectionVersion(ctx, 1, "bookmarks")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, s.DeleteCollection(ctx, 1, "bookmarks"), storage.ErrNotFound)
}

func TestDeleteUserStorage(t *testing.T) {
	s := New()
	ctx := context.Background()

	putItem(t, s, 1, "bookmarks", "a", "1")
	putItem(t, s, 1, "history", "h", "2")
	putItem(t, s, 2, "bookmarks", "b", "3")

	require.NoError(t, s.DeleteUserStorage(ctx, 1))

	v, err := s.GetStorageVersion(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, v)

	// Other users are untouched.
	versions, err := s.GetCollectionVersions(ctx, 2)
	require.NoError(t, err)
	assert.Contains(t, versions, "bookmarks")
}

func TestInfoAggregates(t *testing.T) {
	s := New()
	ctx := context.Background()

	putItem(t, s, 1, "bookmarks", "a", "12345")
	putItem(t, s, 1, "bookmarks", "b", "123")
	putItem(t, s, 1, "history", "h", "12")

	counts, err := s.GetCollectionCounts(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["bookmarks"])
	assert.Equal(t, int64(1), counts["history"])

	usage, err := s.GetCollectionUsage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), usage["bookmarks"])
	assert.Equal(t, int64(2), usage["history"])

	total, err := s.GetTotalUsage(ctx, 1, false)
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)

	storageVersion, err := s.GetStorageVersion(ctx, 1)
	require.NoError(t, err)
	histVersion, err := s.GetCollectionVersion(ctx, 1, "history")
	require.NoError(t, err)
	assert.Equal(t, histVersion, storageVersion, "storage version is the newest collection version")
}

func TestUnknownUserReads(t *testing.T) {
	s := New()
	ctx := context.Background()

	v, err := s.GetStorageVersion(ctx, 99)
	require.NoError(t, err)
	assert.Zero(t, v)

	versions, err := s.GetCollectionVersions(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, err = s.GetCollectionVersion(ctx, 99, "bookmarks")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetItem(ctx, 99, "bookmarks", "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
