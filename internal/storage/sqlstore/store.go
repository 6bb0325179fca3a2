// Package sqlstore provides the SQL storage backend for sync storage.
//
// Purpose:
//
//	One implementation serves both supported engines through database/sql:
//	PostgreSQL via the pgx stdlib driver and MySQL via go-sql-driver. The
//	engine is chosen from the MOZSVC_SQLURI scheme at startup, so the same
//	binary runs against either database (or the in-memory backend when the
//	URI is empty).
//
// Key Responsibilities:
//   - Open parses the connection URI and dials the right driver
//   - Collection names are interned through the collections table and cached
//     in-process
//   - The user_collections table records per-collection last-modified
//     versions so deletes can bump a collection's version without leaving a
//     tombstone row in bso
//   - Queries are written with ? placeholders and rebound to $n for Postgres
//
// Debugging Notes:
//   - Expiry is stored as absolute unix seconds; zero means never. Every read
//     path carries the live-row predicate.
//   - Versions are unix milliseconds, forced strictly above the collection's
//     previous version while the collection write lock is held.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/bso"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage"
)

// Engine names as derived from the connection URI scheme.
const (
	EnginePostgres = "postgres"
	EngineMySQL    = "mysql"
)

// Store is a database/sql-backed storage.Store.
type Store struct {
	db     *sql.DB
	engine string
	locks  *storage.CollectionLocks

	mu            sync.Mutex
	collectionIDs map[string]int64

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database named by uri. Supported schemes are
// postgres:// (and postgresql://) and mysql://.
func Open(ctx context.Context, uri string) (*Store, error) {
	engine, dsn, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	driver := "pgx"
	if engine == EngineMySQL {
		driver = "mysql"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", engine, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", engine, err)
	}

	return NewFromDB(db, engine), nil
}

// NewFromDB wraps an already-open database handle. Used by tests that manage
// their own container lifecycle.
func NewFromDB(db *sql.DB, engine string) *Store {
	return &Store{
		db:            db,
		engine:        engine,
		locks:         storage.NewCollectionLocks(),
		collectionIDs: make(map[string]int64),
		now:           time.Now,
	}
}

// Engine reports which database engine backs this store.
func (s *Store) Engine() string { return s.engine }

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB { return s.db }

// parseURI maps a connection URI to an engine name and driver DSN.
func parseURI(uri string) (engine, dsn string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("sqlstore: parse uri: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		return EnginePostgres, uri, nil
	case "mysql":
		return EngineMySQL, mysqlDSN(u), nil
	default:
		return "", "", fmt.Errorf("sqlstore: unsupported scheme %q", u.Scheme)
	}
}

// mysqlDSN converts a mysql:// URL to the go-sql-driver DSN format.
func mysqlDSN(u *url.URL) string {
	var b strings.Builder
	if u.User != nil {
		b.WriteString(u.User.Username())
		if pw, ok := u.User.Password(); ok {
			b.WriteString(":")
			b.WriteString(pw)
		}
		b.WriteString("@")
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":3306"
	}
	fmt.Fprintf(&b, "tcp(%s)", host)
	b.WriteString("/")
	b.WriteString(strings.TrimPrefix(u.Path, "/"))
	params := u.Query()
	params.Set("parseTime", "true")
	b.WriteString("?")
	b.WriteString(params.Encode())
	return b.String()
}

// rebind converts ?-style placeholders to the engine's format.
func (s *Store) rebind(query string) string {
	if s.engine != EnginePostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const liveRows = "(expiry = 0 OR expiry > ?)"

func (s *Store) nowUnix() int64 { return s.now().Unix() }

// collectionID interns a collection name, optionally creating it.
func (s *Store) collectionID(ctx context.Context, name string, create bool) (int64, error) {
	s.mu.Lock()
	id, ok := s.collectionIDs[name]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT collectionid FROM collections WHERE name = ?"), name).Scan(&id)
	if err == nil {
		s.mu.Lock()
		s.collectionIDs[name] = id
		s.mu.Unlock()
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sqlstore: lookup collection %q: %w", name, err)
	}
	if !create {
		return 0, storage.ErrNotFound
	}

	if s.engine == EnginePostgres {
		err = s.db.QueryRowContext(ctx, s.rebind(
			"INSERT INTO collections (name) VALUES (?) "+
				"ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name "+
				"RETURNING collectionid"), name).Scan(&id)
	} else {
		_, err = s.db.ExecContext(ctx, s.rebind(
			"INSERT INTO collections (name) VALUES (?) "+
				"ON DUPLICATE KEY UPDATE name = name"), name)
		if err == nil {
			err = s.db.QueryRowContext(ctx, s.rebind(
				"SELECT collectionid FROM collections WHERE name = ?"), name).Scan(&id)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("sqlstore: intern collection %q: %w", name, err)
	}

	s.mu.Lock()
	s.collectionIDs[name] = id
	s.mu.Unlock()
	return id, nil
}

// GetStorageVersion returns the newest version across the user's collections.
func (s *Store) GetStorageVersion(ctx context.Context, userID uint64) (int64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT MAX(last_modified) FROM user_collections WHERE userid = ?"), userID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: storage version: %w", err)
	}
	return v.Int64, nil
}

func (s *Store) namedInt64Map(ctx context.Context, query string, args ...any) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var value sql.NullInt64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value.Int64
	}
	return out, rows.Err()
}

// GetCollectionVersions maps collection name to last-modified version.
func (s *Store) GetCollectionVersions(ctx context.Context, userID uint64) (map[string]int64, error) {
	out, err := s.namedInt64Map(ctx,
		"SELECT c.name, uc.last_modified FROM user_collections uc "+
			"JOIN collections c ON c.collectionid = uc.collection "+
			"WHERE uc.userid = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: collection versions: %w", err)
	}
	return out, nil
}

// GetCollectionCounts maps collection name to live item count.
func (s *Store) GetCollectionCounts(ctx context.Context, userID uint64) (map[string]int64, error) {
	out, err := s.namedInt64Map(ctx,
		"SELECT c.name, COUNT(*) FROM bso b "+
			"JOIN collections c ON c.collectionid = b.collection "+
			"WHERE b.userid = ? AND "+liveRows+" GROUP BY c.name",
		userID, s.nowUnix())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: collection counts: %w", err)
	}
	return out, nil
}

// GetCollectionUsage maps collection name to stored payload bytes.
func (s *Store) GetCollectionUsage(ctx context.Context, userID uint64) (map[string]int64, error) {
	out, err := s.namedInt64Map(ctx,
		"SELECT c.name, SUM(b.payload_size) FROM bso b "+
			"JOIN collections c ON c.collectionid = b.collection "+
			"WHERE b.userid = ? AND "+liveRows+" GROUP BY c.name",
		userID, s.nowUnix())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: collection usage: %w", err)
	}
	return out, nil
}

// GetTotalUsage returns the user's total stored payload bytes. The SQL
// backend always computes it; caching the figure is the cache decorator's
// job, so recalculate only matters one layer up.
func (s *Store) GetTotalUsage(ctx context.Context, userID uint64, recalculate bool) (int64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT SUM(payload_size) FROM bso WHERE userid = ? AND "+liveRows),
		userID, s.nowUnix()).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: total usage: %w", err)
	}
	return v.Int64, nil
}

// GetCollectionVersion returns the collection's last-modified version.
func (s *Store) GetCollectionVersion(ctx context.Context, userID uint64, name string) (int64, error) {
	cid, err := s.collectionID(ctx, name, false)
	if err != nil {
		return 0, err
	}
	var v int64
	err = s.db.QueryRowContext(ctx, s.rebind(
		"SELECT last_modified FROM user_collections WHERE userid = ? AND collection = ?"),
		userID, cid).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlstore: collection version: %w", err)
	}
	return v, nil
}

// itemQuery builds the WHERE/ORDER/LIMIT tail shared by GetItems and
// GetItemIDs, returning the SQL fragment, its arguments, and the parsed
// offset.
func (s *Store) itemQuery(userID uint64, cid int64, filter storage.Filter) (string, []any, int, error) {
	var b strings.Builder
	args := []any{userID, cid, s.nowUnix()}
	b.WriteString("FROM bso WHERE userid = ? AND collection = ? AND " + liveRows)

	if len(filter.IDs) > 0 {
		b.WriteString(" AND id IN (")
		b.WriteString(strings.TrimSuffix(strings.Repeat("?,", len(filter.IDs)), ","))
		b.WriteString(")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.Older != nil {
		b.WriteString(" AND modified < ?")
		args = append(args, *filter.Older)
	}
	if filter.Newer != nil {
		b.WriteString(" AND modified > ?")
		args = append(args, *filter.Newer)
	}

	switch filter.Sort {
	case storage.SortOldest:
		b.WriteString(" ORDER BY modified ASC")
	case storage.SortIndex:
		b.WriteString(" ORDER BY sortindex DESC")
	default:
		b.WriteString(" ORDER BY modified DESC")
	}

	offset := 0
	if filter.Offset != "" {
		var err error
		offset, err = strconv.Atoi(filter.Offset)
		if err != nil || offset < 0 {
			return "", nil, 0, storage.ErrInvalidOffset
		}
	}
	if filter.Limit > 0 {
		// Fetch one extra row to learn whether another page exists.
		b.WriteString(" LIMIT ?")
		args = append(args, filter.Limit+1)
	} else if offset > 0 {
		// MySQL cannot express OFFSET without LIMIT.
		b.WriteString(" LIMIT ?")
		args = append(args, int64(1)<<31-1)
	}
	if offset > 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, offset)
	}
	return b.String(), args, offset, nil
}

// GetItems returns full BSOs matching the filter.
func (s *Store) GetItems(ctx context.Context, userID uint64, name string, filter storage.Filter) (*storage.ItemPage, error) {
	cid, err := s.collectionID(ctx, name, false)
	if err != nil {
		return nil, err
	}
	tail, args, offset, err := s.itemQuery(userID, cid, filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT id, modified, sortindex, payload "+tail), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get items: %w", err)
	}
	defer rows.Close()

	page := &storage.ItemPage{}
	for rows.Next() {
		var (
			b         bso.BSO
			sortIndex sql.NullInt64
			payload   string
		)
		if err := rows.Scan(&b.ID, &b.Modified, &sortIndex, &payload); err != nil {
			return nil, fmt.Errorf("sqlstore: scan item: %w", err)
		}
		if sortIndex.Valid {
			si := sortIndex.Int64
			b.SortIndex = &si
		}
		b.Payload = &payload
		page.Items = append(page.Items, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: get items: %w", err)
	}

	if filter.Limit > 0 && len(page.Items) > filter.Limit {
		page.Items = page.Items[:filter.Limit]
		page.NextOffset = strconv.Itoa(offset + filter.Limit)
	}
	if page.Items == nil {
		page.Items = []bso.BSO{}
	}
	return page, nil
}

// GetItemIDs returns matching item ids only.
func (s *Store) GetItemIDs(ctx context.Context, userID uint64, name string, filter storage.Filter) (*storage.IDPage, error) {
	cid, err := s.collectionID(ctx, name, false)
	if err != nil {
		return nil, err
	}
	tail, args, offset, err := s.itemQuery(userID, cid, filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT id "+tail), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get item ids: %w", err)
	}
	defer rows.Close()

	page := &storage.IDPage{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlstore: scan id: %w", err)
		}
		page.IDs = append(page.IDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: get item ids: %w", err)
	}

	if filter.Limit > 0 && len(page.IDs) > filter.Limit {
		page.IDs = page.IDs[:filter.Limit]
		page.NextOffset = strconv.Itoa(offset + filter.Limit)
	}
	if page.IDs == nil {
		page.IDs = []string{}
	}
	return page, nil
}

// GetItem returns a single BSO.
func (s *Store) GetItem(ctx context.Context, userID uint64, name, itemID string) (*bso.BSO, error) {
	cid, err := s.collectionID(ctx, name, false)
	if err != nil {
		return nil, err
	}
	var (
		b         bso.BSO
		sortIndex sql.NullInt64
		payload   string
	)
	err = s.db.QueryRowContext(ctx, s.rebind(
		"SELECT id, modified, sortindex, payload FROM bso "+
			"WHERE userid = ? AND collection = ? AND id = ? AND "+liveRows),
		userID, cid, itemID, s.nowUnix()).Scan(&b.ID, &b.Modified, &sortIndex, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get item: %w", err)
	}
	if sortIndex.Valid {
		si := sortIndex.Int64
		b.SortIndex = &si
	}
	b.Payload = &payload
	return &b, nil
}

// GetItemVersion returns the item's modified version.
func (s *Store) GetItemVersion(ctx context.Context, userID uint64, name, itemID string) (int64, error) {
	cid, err := s.collectionID(ctx, name, false)
	if err != nil {
		return 0, err
	}
	var v int64
	err = s.db.QueryRowContext(ctx, s.rebind(
		"SELECT modified FROM bso WHERE userid = ? AND collection = ? AND id = ? AND "+liveRows),
		userID, cid, itemID, s.nowUnix()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlstore: item version: %w", err)
	}
	return v, nil
}
