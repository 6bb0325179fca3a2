package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/bso"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage"
)

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

// nextVersion picks a version strictly above the collection's previous one.
// Callers hold the collection write lock, so reading the previous version
// outside a FOR UPDATE is safe.
func (s *Store) nextVersion(ctx context.Context, tx *sql.Tx, userID uint64, cid int64) (int64, error) {
	var prev sql.NullInt64
	err := tx.QueryRowContext(ctx, s.rebind(
		"SELECT last_modified FROM user_collections WHERE userid = ? AND collection = ?"),
		userID, cid).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sqlstore: read last version: %w", err)
	}
	v := s.now().UnixMilli()
	if v <= prev.Int64 {
		v = prev.Int64 + 1
	}
	return v, nil
}

// touchCollection upserts the user_collections row to the new version.
func (s *Store) touchCollection(ctx context.Context, tx *sql.Tx, userID uint64, cid int64, version int64) error {
	var query string
	if s.engine == EnginePostgres {
		query = "INSERT INTO user_collections (userid, collection, last_modified) VALUES (?, ?, ?) " +
			"ON CONFLICT (userid, collection) DO UPDATE SET last_modified = EXCLUDED.last_modified"
	} else {
		query = "INSERT INTO user_collections (userid, collection, last_modified) VALUES (?, ?, ?) " +
			"ON DUPLICATE KEY UPDATE last_modified = VALUES(last_modified)"
	}
	if _, err := tx.ExecContext(ctx, s.rebind(query), userID, cid, version); err != nil {
		return fmt.Errorf("sqlstore: touch collection: %w", err)
	}
	return nil
}

// storedItem is the current row state used to merge partial updates.
type storedItem struct {
	sortIndex sql.NullInt64
	payload   string
	expiry    int64
	exists    bool
	live      bool
}

func (s *Store) loadItem(ctx context.Context, tx *sql.Tx, userID uint64, cid int64, itemID string) (storedItem, error) {
	var it storedItem
	err := tx.QueryRowContext(ctx, s.rebind(
		"SELECT sortindex, payload, expiry FROM bso WHERE userid = ? AND collection = ? AND id = ?"),
		userID, cid, itemID).Scan(&it.sortIndex, &it.payload, &it.expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return it, nil
	}
	if err != nil {
		return it, fmt.Errorf("sqlstore: load item: %w", err)
	}
	it.exists = true
	it.live = it.expiry == 0 || it.expiry > s.nowUnix()
	return it, nil
}

// upsertItem merges the uploaded BSO over the stored row and writes it back.
// Returns true when the write created a (visible) item.
func (s *Store) upsertItem(ctx context.Context, tx *sql.Tx, userID uint64, cid int64, itemID string, b *bso.BSO, version int64) (bool, error) {
	cur, err := s.loadItem(ctx, tx, userID, cid, itemID)
	if err != nil {
		return false, err
	}
	if !cur.live {
		// Writes over expired rows behave as creates.
		cur = storedItem{exists: cur.exists}
	}

	if b.Payload != nil {
		cur.payload = *b.Payload
	}
	if b.SortIndex != nil {
		cur.sortIndex = sql.NullInt64{Int64: *b.SortIndex, Valid: true}
	}
	if b.TTL != nil {
		cur.expiry = s.nowUnix() + *b.TTL
	}

	var query string
	if cur.exists {
		query = "UPDATE bso SET modified = ?, sortindex = ?, payload = ?, payload_size = ?, expiry = ? " +
			"WHERE userid = ? AND collection = ? AND id = ?"
		_, err = tx.ExecContext(ctx, s.rebind(query),
			version, cur.sortIndex, cur.payload, len(cur.payload), cur.expiry, userID, cid, itemID)
	} else {
		query = "INSERT INTO bso (userid, collection, id, modified, sortindex, payload, payload_size, expiry) " +
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
		_, err = tx.ExecContext(ctx, s.rebind(query),
			userID, cid, itemID, version, cur.sortIndex, cur.payload, len(cur.payload), cur.expiry)
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: upsert item: %w", err)
	}
	return !cur.live, nil
}

// SetItem creates or updates a single item.
func (s *Store) SetItem(ctx context.Context, userID uint64, name, itemID string, b *bso.BSO) (storage.WriteResult, error) {
	cid, err := s.collectionID(ctx, name, true)
	if err != nil {
		return storage.WriteResult{}, err
	}

	var res storage.WriteResult
	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		version, err := s.nextVersion(ctx, tx, userID, cid)
		if err != nil {
			return err
		}
		created, err := s.upsertItem(ctx, tx, userID, cid, itemID, b, version)
		if err != nil {
			return err
		}
		if err := s.touchCollection(ctx, tx, userID, cid, version); err != nil {
			return err
		}
		res = storage.WriteResult{Version: version, Created: created}
		return nil
	})
	return res, err
}

// SetItems writes a batch of items sharing one version.
func (s *Store) SetItems(ctx context.Context, userID uint64, name string, items []*bso.BSO) (int64, error) {
	cid, err := s.collectionID(ctx, name, true)
	if err != nil {
		return 0, err
	}

	var version int64
	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		version, err = s.nextVersion(ctx, tx, userID, cid)
		if err != nil {
			return err
		}
		for _, b := range items {
			if _, err := s.upsertItem(ctx, tx, userID, cid, b.ID, b, version); err != nil {
				return err
			}
		}
		return s.touchCollection(ctx, tx, userID, cid, version)
	})
	return version, err
}

// DeleteItem removes a single item.
func (s *Store) DeleteItem(ctx context.Context, userID uint64, name, itemID string) error {
	cid, err := s.collectionID(ctx, name, false)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			"DELETE FROM bso WHERE userid = ? AND collection = ? AND id = ? AND "+liveRows),
			userID, cid, itemID, s.nowUnix())
		if err != nil {
			return fmt.Errorf("sqlstore: delete item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlstore: delete item: %w", err)
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		version, err := s.nextVersion(ctx, tx, userID, cid)
		if err != nil {
			return err
		}
		return s.touchCollection(ctx, tx, userID, cid, version)
	})
}

// DeleteItems removes the named items and returns the collection's new
// version. Ids that do not exist are ignored, matching batch-delete
// semantics.
func (s *Store) DeleteItems(ctx context.Context, userID uint64, name string, ids []string) (int64, error) {
	cid, err := s.collectionID(ctx, name, false)
	if err != nil {
		return 0, err
	}

	var version int64
	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// Missing collection row means the collection never existed.
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(
			"SELECT 1 FROM user_collections WHERE userid = ? AND collection = ?"),
			userID, cid).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("sqlstore: delete items: %w", err)
		}

		if len(ids) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
			args := []any{userID, cid}
			for _, id := range ids {
				args = append(args, id)
			}
			_, err = tx.ExecContext(ctx, s.rebind(
				"DELETE FROM bso WHERE userid = ? AND collection = ? AND id IN ("+placeholders+")"), args...)
			if err != nil {
				return fmt.Errorf("sqlstore: delete items: %w", err)
			}
		}

		version, err = s.nextVersion(ctx, tx, userID, cid)
		if err != nil {
			return err
		}
		return s.touchCollection(ctx, tx, userID, cid, version)
	})
	return version, err
}

// DeleteCollection removes the collection and all its items.
func (s *Store) DeleteCollection(ctx context.Context, userID uint64, name string) error {
	cid, err := s.collectionID(ctx, name, false)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			"DELETE FROM user_collections WHERE userid = ? AND collection = ?"), userID, cid)
		if err != nil {
			return fmt.Errorf("sqlstore: delete collection: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlstore: delete collection: %w", err)
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			"DELETE FROM bso WHERE userid = ? AND collection = ?"), userID, cid); err != nil {
			return fmt.Errorf("sqlstore: delete collection items: %w", err)
		}
		return nil
	})
}

// DeleteUserStorage removes every record belonging to the user.
func (s *Store) DeleteUserStorage(ctx context.Context, userID uint64) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(
			"DELETE FROM bso WHERE userid = ?"), userID); err != nil {
			return fmt.Errorf("sqlstore: delete user bsos: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			"DELETE FROM user_collections WHERE userid = ?"), userID); err != nil {
			return fmt.Errorf("sqlstore: delete user collections: %w", err)
		}
		return nil
	})
}

// LockCollectionRead takes a shared lock on the collection.
//
// Locks are in-process: the service runs as a single writer per deployment,
// so cross-process coordination is out of scope here.
func (s *Store) LockCollectionRead(ctx context.Context, userID uint64, name string) (storage.UnlockFunc, error) {
	return s.locks.LockRead(ctx, userID, name)
}

// LockCollectionWrite takes the exclusive lock on the collection.
func (s *Store) LockCollectionWrite(ctx context.Context, userID uint64, name string) (storage.UnlockFunc, error) {
	return s.locks.LockWrite(ctx, userID, name)
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
