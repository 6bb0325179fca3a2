// Package memory provides the in-memory storage backend.
//
// Purpose:
//
//	This backend serves two roles: it is the default storage when no
//	MOZSVC_SQLURI is configured (local development, smoke tests), and it backs
//	the HTTP handler unit tests. It implements the full storage.Store
//	contract, including TTL expiry and version monotonicity, so tests written
//	against it hold against the SQL backend too.
//
// Thread Safety:
//   - A single mutex guards the data maps; collection-level reader/writer
//     locks come from storage.CollectionLocks like the SQL backend.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/bso"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage"
)

// Store is an in-memory storage.Store implementation.
type Store struct {
	mu    sync.Mutex
	users map[uint64]*user
	locks *storage.CollectionLocks

	// now is swappable for TTL tests.
	now func() time.Time
}

type user struct {
	lastVersion int64
	collections map[string]*collection
}

type collection struct {
	version int64
	items   map[string]item
}

type item struct {
	id        string
	modified  int64
	sortIndex *int64
	payload   string
	expires   int64 // unix seconds, zero means never
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users: make(map[uint64]*user),
		locks: storage.NewCollectionLocks(),
		now:   time.Now,
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) getUser(userID uint64, create bool) *user {
	u, ok := s.users[userID]
	if !ok && create {
		u = &user{collections: make(map[string]*collection)}
		s.users[userID] = u
	}
	return u
}

func (u *user) getCollection(name string, create bool) *collection {
	c, ok := u.collections[name]
	if !ok && create {
		c = &collection{items: make(map[string]item)}
		u.collections[name] = c
	}
	return c
}

// nextVersion returns a version strictly greater than every version the user
// has seen, pinned to wall-clock milliseconds when the clock allows.
func (s *Store) nextVersion(u *user) int64 {
	v := s.now().UnixMilli()
	if v <= u.lastVersion {
		v = u.lastVersion + 1
	}
	u.lastVersion = v
	return v
}

func (s *Store) live(it item) bool {
	return it.expires == 0 || it.expires > s.now().Unix()
}

// GetStorageVersion returns the newest collection version for the user.
func (s *Store) GetStorageVersion(ctx context.Context, userID uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.getUser(userID, false)
	if u == nil {
		return 0, nil
	}
	var max int64
	for _, c := range u.collections {
		if c.version > max {
			max = c.version
		}
	}
	return max, nil
}

// GetCollectionVersions maps collection name to last-modified version.
func (s *Store) GetCollectionVersions(ctx context.Context, userID uint64) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	u := s.getUser(userID, false)
	if u == nil {
		return out, nil
	}
	for name, c := range u.collections {
		out[name] = c.version
	}
	return out, nil
}

// GetCollectionCounts maps collection name to live item count.
func (s *Store) GetCollectionCounts(ctx context.Context, userID uint64) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	u := s.getUser(userID, false)
	if u == nil {
		return out, nil
	}
	for name, c := range u.collections {
		var n int64
		for _, it := range c.items {
			if s.live(it) {
				n++
			}
		}
		if n > 0 {
			out[name] = n
		}
	}
	return out, nil
}

// GetCollectionUsage maps collection name to stored payload bytes.
func (s *Store) GetCollectionUsage(ctx context.Context, userID uint64) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	u := s.getUser(userID, false)
	if u == nil {
		return out, nil
	}
	for name, c := range u.collections {
		var size int64
		for _, it := range c.items {
			if s.live(it) {
				size += int64(len(it.payload))
			}
		}
		if size > 0 {
			out[name] = size
		}
	}
	return out, nil
}

// GetTotalUsage returns the user's total stored payload bytes. The memory
// backend has no cached figure, so recalculate is a no-op.
func (s *Store) GetTotalUsage(ctx context.Context, userID uint64, recalculate bool) (int64, error) {
	usage, err := s.GetCollectionUsage(ctx, userID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, size := range usage {
		total += size
	}
	return total, nil
}

// GetCollectionVersion returns the collection's last-modified version.
func (s *Store) GetCollectionVersion(ctx context.Context, userID uint64, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.getUser(userID, false)
	if u == nil {
		return 0, storage.ErrNotFound
	}
	c := u.getCollection(name, false)
	if c == nil {
		return 0, storage.ErrNotFound
	}
	return c.version, nil
}

// selectItems applies the filter (minus pagination) and returns sorted items.
func (s *Store) selectItems(c *collection, filter storage.Filter) []item {
	var wanted map[string]bool
	if filter.IDs != nil {
		wanted = make(map[string]bool, len(filter.IDs))
		for _, id := range filter.IDs {
			wanted[id] = true
		}
	}

	items := make([]item, 0, len(c.items))
	for _, it := range c.items {
		if !s.live(it) {
			continue
		}
		if wanted != nil && !wanted[it.id] {
			continue
		}
		if filter.Older != nil && it.modified >= *filter.Older {
			continue
		}
		if filter.Newer != nil && it.modified <= *filter.Newer {
			continue
		}
		items = append(items, it)
	}

	switch filter.Sort {
	case storage.SortOldest:
		sort.Slice(items, func(i, j int) bool { return items[i].modified < items[j].modified })
	case storage.SortIndex:
		sort.Slice(items, func(i, j int) bool {
			var a, b int64
			if items[i].sortIndex != nil {
				a = *items[i].sortIndex
			}
			if items[j].sortIndex != nil {
				b = *items[j].sortIndex
			}
			return a > b
		})
	default:
		sort.Slice(items, func(i, j int) bool { return items[i].modified > items[j].modified })
	}
	return items
}

// paginate applies offset/limit, returning the window and the next token.
func paginate(n int, filter storage.Filter) (start, end int, next string, err error) {
	start = 0
	if filter.Offset != "" {
		start, err = strconv.Atoi(filter.Offset)
		if err != nil || start < 0 {
			return 0, 0, "", storage.ErrInvalidOffset
		}
	}
	if start > n {
		start = n
	}
	end = n
	if filter.Limit > 0 && start+filter.Limit < n {
		end = start + filter.Limit
		next = strconv.Itoa(end)
	}
	return start, end, next, nil
}

// GetItems returns full BSOs matching the filter.
func (s *Store) GetItems(ctx context.Context, userID uint64, name string, filter storage.Filter) (*storage.ItemPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.getUser(userID, false)
	if u == nil {
		return nil, storage.ErrNotFound
	}
	c := u.getCollection(name, false)
	if c == nil {
		return nil, storage.ErrNotFound
	}

	items := s.selectItems(c, filter)
	start, end, next, err := paginate(len(items), filter)
	if err != nil {
		return nil, err
	}

	page := &storage.ItemPage{NextOffset: next, Items: make([]bso.BSO, 0, end-start)}
	for _, it := range items[start:end] {
		payload := it.payload
		page.Items = append(page.Items, bso.BSO{
			ID:        it.id,
			Modified:  it.modified,
			SortIndex: it.sortIndex,
			Payload:   &payload,
		})
	}
	return page, nil
}

// GetItemIDs returns matching item ids only.
func (s *Store) GetItemIDs(ctx context.Context, userID uint64, name string, filter storage.Filter) (*storage.IDPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.getUser(userID, false)
	if u == nil {
		return nil, storage.ErrNotFound
	}
	c := u.getCollection(name, false)
	if c == nil {
		return nil, storage.ErrNotFound
	}

	items := s.selectItems(c, filter)
	start, end, next, err := paginate(len(items), filter)
	if err != nil {
		return nil, err
	}

	page := &storage.IDPage{NextOffset: next, IDs: make([]string, 0, end-start)}
	for _, it := range items[start:end] {
		page.IDs = append(page.IDs, it.id)
	}
	return page, nil
}

// GetItem returns a single BSO.
func (s *Store) GetItem(ctx context.Context, userID uint64, name, itemID string) (*bso.BSO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.findItem(userID, name, itemID)
	if err != nil {
		return nil, err
	}
	payload := it.payload
	return &bso.BSO{
		ID:        it.id,
		Modified:  it.modified,
		SortIndex: it.sortIndex,
		Payload:   &payload,
	}, nil
}

// GetItemVersion returns the item's modified version.
func (s *Store) GetItemVersion(ctx context.Context, userID uint64, name, itemID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.findItem(userID, name, itemID)
	if err != nil {
		return 0, err
	}
	return it.modified, nil
}

func (s *Store) findItem(userID uint64, name, itemID string) (item, error) {
	u := s.getUser(userID, false)
	if u == nil {
		return item{}, storage.ErrNotFound
	}
	c := u.getCollection(name, false)
	if c == nil {
		return item{}, storage.ErrNotFound
	}
	it, ok := c.items[itemID]
	if !ok || !s.live(it) {
		return item{}, storage.ErrNotFound
	}
	return it, nil
}

// applyBSO merges an uploaded BSO into the stored item, honoring the partial
// update contract.
func (s *Store) applyBSO(c *collection, itemID string, b *bso.BSO, version int64) bool {
	it, exists := c.items[itemID]
	if exists && !s.live(it) {
		// Expired items are invisible; a write over one is a create.
		it = item{}
		exists = false
	}
	it.id = itemID
	it.modified = version
	if b.Payload != nil {
		it.payload = *b.Payload
	}
	if b.SortIndex != nil {
		si := *b.SortIndex
		it.sortIndex = &si
	}
	if b.TTL != nil {
		it.expires = s.now().Unix() + *b.TTL
	}
	c.items[itemID] = it
	return !exists
}

// SetItem creates or updates a single item.
func (s *Store) SetItem(ctx context.Context, userID uint64, name, itemID string, b *bso.BSO) (storage.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.getUser(userID, true)
	c := u.getCollection(name, true)
	version := s.nextVersion(u)
	created := s.applyBSO(c, itemID, b, version)
	c.version = version
	return storage.WriteResult{Version: version, Created: created}, nil
}

// SetItems writes a batch of items sharing one version.
func (s *Store) SetItems(ctx context.Context, userID uint64, name string, items []*bso.BSO) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.getUser(userID, true)
	c := u.getCollection(name, true)
	version := s.nextVersion(u)
	for _, b := range items {
		s.applyBSO(c, b.ID, b, version)
	}
	c.version = version
	return version, nil
}

// DeleteItem removes a single item.
func (s *Store) DeleteItem(ctx context.Context, userID uint64, name, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.getUser(userID, false)
	if u == nil {
		return storage.ErrNotFound
	}
	c := u.getCollection(name, false)
	if c == nil {
		return storage.ErrNotFound
	}
	it, ok := c.items[itemID]
	if !ok || !s.live(it) {
		return storage.ErrNotFound
	}
	delete(c.items, itemID)
	c.version = s.nextVersion(u)
	return nil
}

// DeleteItems removes the named items and returns the collection's new version.
func (s *Store) DeleteItems(ctx context.Context, userID uint64, name string, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.getUser(userID, false)
	if u == nil {
		return 0, storage.ErrNotFound
	}
	c := u.getCollection(name, false)
	if c == nil {
		return 0, storage.ErrNotFound
	}
	for _, id := range ids {
		delete(c.items, id)
	}
	c.version = s.nextVersion(u)
	return c.version, nil
}

// DeleteCollection removes the collection and all its items.
func (s *Store) DeleteCollection(ctx context.Context, userID uint64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.getUser(userID, false)
	if u == nil {
		return storage.ErrNotFound
	}
	if u.getCollection(name, false) == nil {
		return storage.ErrNotFound
	}
	delete(u.collections, name)
	return nil
}

// DeleteUserStorage removes every record belonging to the user.
func (s *Store) DeleteUserStorage(ctx context.Context, userID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	return nil
}

// LockCollectionRead takes a shared lock on the collection.
func (s *Store) LockCollectionRead(ctx context.Context, userID uint64, name string) (storage.UnlockFunc, error) {
	return s.locks.LockRead(ctx, userID, name)
}

// LockCollectionWrite takes the exclusive lock on the collection.
func (s *Store) LockCollectionWrite(ctx context.Context, userID uint64, name string) (storage.UnlockFunc, error) {
	return s.locks.LockWrite(ctx, userID, name)
}

// Ping always succeeds for the in-memory backend.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }
