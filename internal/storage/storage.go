// Package storage defines the backend interface for sync storage, the shared
// filter and page types, and the error taxonomy handlers translate into HTTP
// responses.
//
// Purpose:
//
//	A Store persists per-user collections of BSOs and answers the metadata
//	queries the info endpoints need (per-collection versions, counts and
//	usage). Three implementations exist: storage/sqlstore (PostgreSQL and
//	MySQL behind database/sql), storage/memory (default backend when no
//	MOZSVC_SQLURI is configured, also used by handler tests), and the
//	cache package's read-through decorator.
//
// Key Responsibilities:
//   - Store interface: every operation the HTTP layer performs
//   - Filter/page types for collection reads
//   - Sentinel errors: ErrNotFound, ErrConflict, ErrInvalidOffset
//   - CollectionLocks: per-(user, collection) reader/writer locking shared by
//     the concrete backends
//
// Thread Safety:
//   - Implementations must be safe for concurrent use; writers serialize per
//     (user, collection) via the collection locks
package storage

import (
	"context"
	"errors"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/bso"
)

var (
	// ErrNotFound is returned when the requested collection or item does not
	// exist (or has expired).
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a collection lock cannot be acquired in
	// time. Handlers map it to 409 with a Retry-After header.
	ErrConflict = errors.New("storage: conflict")
	// ErrInvalidOffset is returned when a pagination offset token is not one
	// this backend handed out.
	ErrInvalidOffset = errors.New("storage: invalid offset")
)

// Sort orders for collection reads.
const (
	SortNewest = "newest"
	SortOldest = "oldest"
	SortIndex  = "index"
)

// MaxIDsPerRequest caps the ids list on batched reads and deletes.
const MaxIDsPerRequest = 100

// Filter narrows a collection read or batch delete.
type Filter struct {
	// IDs restricts the result to the given item ids (max MaxIDsPerRequest).
	IDs []string
	// Older / Newer bound the modified version, exclusive.
	Older *int64
	Newer *int64
	// Limit caps the number of items returned; zero means no limit.
	Limit int
	// Offset is the opaque continuation token from a previous page.
	Offset string
	// Sort is one of the Sort* constants; empty means SortNewest.
	Sort string
}

// ItemPage is one page of full BSOs from a collection read.
type ItemPage struct {
	Items []bso.BSO
	// NextOffset is the token for the following page, empty on the last page.
	NextOffset string
}

// IDPage is one page of bare item ids from a collection read.
type IDPage struct {
	IDs        []string
	NextOffset string
}

// WriteResult reports the outcome of a single-item write.
type WriteResult struct {
	Version int64
	Created bool
}

// UnlockFunc releases a collection lock. It must be called exactly once.
type UnlockFunc func()

// Store is the storage backend interface. All operations are scoped to a
// numeric user id. Version numbers increase strictly per user; expired items
// are invisible to every read path.
type Store interface {
	// GetStorageVersion returns the newest version across all of the user's
	// collections, zero when the user has no data.
	GetStorageVersion(ctx context.Context, userID uint64) (int64, error)
	// GetCollectionVersions maps collection name to last-modified version.
	GetCollectionVersions(ctx context.Context, userID uint64) (map[string]int64, error)
	// GetCollectionCounts maps collection name to live item count.
	GetCollectionCounts(ctx context.Context, userID uint64) (map[string]int64, error)
	// GetCollectionUsage maps collection name to stored payload bytes.
	GetCollectionUsage(ctx context.Context, userID uint64) (map[string]int64, error)
	// GetTotalUsage returns the user's total stored payload bytes. When
	// recalculate is set, backends must bypass any cached figure.
	GetTotalUsage(ctx context.Context, userID uint64, recalculate bool) (int64, error)

	// GetCollectionVersion returns the collection's last-modified version.
	GetCollectionVersion(ctx context.Context, userID uint64, collection string) (int64, error)
	// GetItems returns full BSOs matching the filter.
	GetItems(ctx context.Context, userID uint64, collection string, filter Filter) (*ItemPage, error)
	// GetItemIDs returns matching item ids only.
	GetItemIDs(ctx context.Context, userID uint64, collection string, filter Filter) (*IDPage, error)
	// GetItem returns a single BSO.
	GetItem(ctx context.Context, userID uint64, collection, itemID string) (*bso.BSO, error)
	// GetItemVersion returns the item's modified version.
	GetItemVersion(ctx context.Context, userID uint64, collection, itemID string) (int64, error)

	// SetItem creates or updates a single item. Fields absent from the BSO
	// keep their stored values on update.
	SetItem(ctx context.Context, userID uint64, collection, itemID string, b *bso.BSO) (WriteResult, error)
	// SetItems writes a batch of items sharing a single new version, which it
	// returns.
	SetItems(ctx context.Context, userID uint64, collection string, items []*bso.BSO) (int64, error)

	// DeleteItem removes a single item.
	DeleteItem(ctx context.Context, userID uint64, collection, itemID string) error
	// DeleteItems removes the named items and returns the collection's new
	// version.
	DeleteItems(ctx context.Context, userID uint64, collection string, ids []string) (int64, error)
	// DeleteCollection removes the collection and all its items.
	DeleteCollection(ctx context.Context, userID uint64, collection string) error
	// DeleteUserStorage removes every record belonging to the user.
	DeleteUserStorage(ctx context.Context, userID uint64) error

	// LockCollectionRead takes a shared lock on the collection for the
	// duration of a multi-query read. Returns ErrConflict if the lock cannot
	// be acquired before ctx expires.
	LockCollectionRead(ctx context.Context, userID uint64, collection string) (UnlockFunc, error)
	// LockCollectionWrite takes the exclusive lock on the collection.
	LockCollectionWrite(ctx context.Context, userID uint64, collection string) (UnlockFunc, error)

	// Ping verifies the backend is reachable (used by /readyz).
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
