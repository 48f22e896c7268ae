package chronos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	// Pure Go SQLite driver.
	_ "modernc.org/sqlite"
)

// metaStore is one logical metadata database: current-version pointers,
// version history, per-collection change counters, and counter state, all in
// a single SQLite file. The items.ov column is the engine's only strongly
// consistent shared resource; every version append goes through a
// compare-and-swap on it.
type metaStore struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// openMetaStore opens (creating if needed) the database file at path.
func openMetaStore(path string) (*metaStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, newStorageError("meta", path, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStorageError("meta", path, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	ms := &metaStore{db: db, path: path}
	if err := ms.initSchema(); err != nil {
		_ = db.Close()
		return nil, newStorageError("meta", path, err)
	}
	return ms, nil
}

func (ms *metaStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS items (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			ov         INTEGER NOT NULL,
			cv         INTEGER NOT NULL,
			indexed    TEXT NOT NULL,
			blob_key   TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			deleted_at INTEGER,
			PRIMARY KEY (collection, id)
		);

		CREATE TABLE IF NOT EXISTS versions (
			collection  TEXT NOT NULL,
			item_id     TEXT NOT NULL,
			ov          INTEGER NOT NULL,
			cv          INTEGER NOT NULL,
			blob_key    TEXT NOT NULL,
			indexed     TEXT NOT NULL,
			actor       TEXT NOT NULL DEFAULT '',
			reason      TEXT NOT NULL DEFAULT '',
			function_id TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			deleted_at  INTEGER,
			PRIMARY KEY (collection, item_id, ov)
		);

		CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			cv   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS counters (
			scope      TEXT NOT NULL,
			tenant     TEXT NOT NULL,
			name       TEXT NOT NULL,
			value      INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope, tenant, name)
		);

		CREATE TABLE IF NOT EXISTS counter_events (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			scope  TEXT NOT NULL,
			tenant TEXT NOT NULL,
			name   TEXT NOT NULL,
			delta  INTEGER NOT NULL,
			at     INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS counter_rollups (
			scope        TEXT NOT NULL,
			tenant       TEXT NOT NULL,
			name         TEXT NOT NULL,
			granularity  TEXT NOT NULL,
			bucket_start INTEGER NOT NULL,
			value        INTEGER NOT NULL,
			PRIMARY KEY (scope, tenant, name, granularity, bucket_start)
		);

		CREATE INDEX IF NOT EXISTS idx_versions_item_time
			ON versions(collection, item_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_versions_time
			ON versions(collection, created_at);
		CREATE INDEX IF NOT EXISTS idx_counter_events_at
			ON counter_events(at);
	`
	_, err := ms.db.Exec(schema)
	return err
}

// itemRow is the current-version pointer of an item.
type itemRow struct {
	Collection string
	ID         string
	OV         int64
	CV         int64
	Indexed    string
	BlobKey    string
	CreatedAt  int64
	UpdatedAt  int64
	DeletedAt  sql.NullInt64
}

// versionRow is one immutable version record.
type versionRow struct {
	Collection string
	ItemID     string
	OV         int64
	CV         int64
	BlobKey    string
	Indexed    string
	Actor      string
	Reason     string
	FunctionID string
	CreatedAt  int64
	DeletedAt  sql.NullInt64
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}

func (ms *metaStore) guard() error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return ErrClosed
	}
	return nil
}

// bumpCV advances the collection version counter inside tx.
func bumpCV(ctx context.Context, tx *sql.Tx, collection string) (int64, error) {
	var cv int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO collections (name, cv) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET cv = cv + 1
		RETURNING cv
	`, collection).Scan(&cv)
	return cv, err
}

// createItem writes version 0 of a new item. The version row and the item
// pointer commit atomically.
func (ms *metaStore) createItem(ctx context.Context, v versionRow) (int64, error) {
	if err := ms.guard(); err != nil {
		return 0, err
	}
	tx, err := ms.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, newStorageError("meta", ms.path, err)
	}
	defer func() { _ = tx.Rollback() }()

	cv, err := bumpCV(ctx, tx, v.Collection)
	if err != nil {
		return 0, newStorageError("meta", ms.path, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (collection, id, ov, cv, indexed, blob_key, created_at, updated_at, deleted_at)
		VALUES (?, ?, 0, ?, ?, ?, ?, ?, NULL)
	`, v.Collection, v.ItemID, cv, v.Indexed, v.BlobKey, v.CreatedAt, v.CreatedAt)
	if err != nil {
		return 0, newStorageError("meta", ms.path, err)
	}

	if err := insertVersion(ctx, tx, v, 0, cv); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, newStorageError("meta", ms.path, err)
	}
	return cv, nil
}

// appendVersion appends version expectedOv+1 to an item's chain, guarded by a
// compare-and-swap on the current ov. Returns the new ov and cv.
func (ms *metaStore) appendVersion(ctx context.Context, v versionRow, expectedOv int64) (int64, int64, error) {
	if err := ms.guard(); err != nil {
		return 0, 0, err
	}
	tx, err := ms.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, newStorageError("meta", ms.path, err)
	}
	defer func() { _ = tx.Rollback() }()

	cv, err := bumpCV(ctx, tx, v.Collection)
	if err != nil {
		return 0, 0, newStorageError("meta", ms.path, err)
	}

	newOv := expectedOv + 1
	res, err := tx.ExecContext(ctx, `
		UPDATE items
		SET ov = ?, cv = ?, indexed = ?, blob_key = ?, updated_at = ?, deleted_at = ?
		WHERE collection = ? AND id = ? AND ov = ?
	`, newOv, cv, v.Indexed, v.BlobKey, v.CreatedAt, v.DeletedAt, v.Collection, v.ItemID, expectedOv)
	if err != nil {
		return 0, 0, newStorageError("meta", ms.path, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, 0, newStorageError("meta", ms.path, err)
	}
	if affected == 0 {
		var actual int64
		err := tx.QueryRowContext(ctx,
			`SELECT ov FROM items WHERE collection = ? AND id = ?`,
			v.Collection, v.ItemID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, &NotFoundError{Kind: "item", Key: v.Collection + "/" + v.ItemID}
		}
		if err != nil {
			return 0, 0, newStorageError("meta", ms.path, err)
		}
		return 0, 0, &ConflictError{Collection: v.Collection, ID: v.ItemID, Expected: expectedOv, Actual: actual}
	}

	if err := insertVersion(ctx, tx, v, newOv, cv); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, newStorageError("meta", ms.path, err)
	}
	return newOv, cv, nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, v versionRow, ov, cv int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO versions (collection, item_id, ov, cv, blob_key, indexed, actor, reason, function_id, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.Collection, v.ItemID, ov, cv, v.BlobKey, v.Indexed, v.Actor, v.Reason, v.FunctionID, v.CreatedAt, v.DeletedAt)
	if err != nil {
		return newStorageError("meta", v.Collection+"/"+v.ItemID, err)
	}
	return nil
}

// getItem returns an item's current-version pointer.
func (ms *metaStore) getItem(ctx context.Context, collection, id string) (*itemRow, error) {
	if err := ms.guard(); err != nil {
		return nil, err
	}
	row := ms.db.QueryRowContext(ctx, `
		SELECT collection, id, ov, cv, indexed, blob_key, created_at, updated_at, deleted_at
		FROM items WHERE collection = ? AND id = ?
	`, collection, id)

	var it itemRow
	err := row.Scan(&it.Collection, &it.ID, &it.OV, &it.CV, &it.Indexed, &it.BlobKey,
		&it.CreatedAt, &it.UpdatedAt, &it.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "item", Key: collection + "/" + id}
	}
	if err != nil {
		return nil, newStorageError("meta", ms.path, err)
	}
	return &it, nil
}

// getVersion returns one version record.
func (ms *metaStore) getVersion(ctx context.Context, collection, id string, ov int64) (*versionRow, error) {
	if err := ms.guard(); err != nil {
		return nil, err
	}
	row := ms.db.QueryRowContext(ctx, `
		SELECT collection, item_id, ov, cv, blob_key, indexed, actor, reason, function_id, created_at, deleted_at
		FROM versions WHERE collection = ? AND item_id = ? AND ov = ?
	`, collection, id, ov)
	return scanVersion(row, collection, id)
}

// getAsOf returns the latest version created at or before ts.
func (ms *metaStore) getAsOf(ctx context.Context, collection, id string, ts int64) (*versionRow, error) {
	if err := ms.guard(); err != nil {
		return nil, err
	}
	row := ms.db.QueryRowContext(ctx, `
		SELECT collection, item_id, ov, cv, blob_key, indexed, actor, reason, function_id, created_at, deleted_at
		FROM versions
		WHERE collection = ? AND item_id = ? AND created_at <= ?
		ORDER BY ov DESC LIMIT 1
	`, collection, id, ts)
	return scanVersion(row, collection, id)
}

func scanVersion(row *sql.Row, collection, id string) (*versionRow, error) {
	var v versionRow
	err := row.Scan(&v.Collection, &v.ItemID, &v.OV, &v.CV, &v.BlobKey, &v.Indexed,
		&v.Actor, &v.Reason, &v.FunctionID, &v.CreatedAt, &v.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "version", Key: collection + "/" + id}
	}
	if err != nil {
		return nil, newStorageError("meta", collection+"/"+id, err)
	}
	return &v, nil
}

// selectItems runs a caller-built query over the items table.
func (ms *metaStore) selectItems(ctx context.Context, query string, args ...any) ([]itemRow, error) {
	if err := ms.guard(); err != nil {
		return nil, err
	}
	rows, err := ms.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStorageError("meta", ms.path, err)
	}
	defer func() { _ = rows.Close() }()

	var out []itemRow
	for rows.Next() {
		var it itemRow
		if err := rows.Scan(&it.Collection, &it.ID, &it.OV, &it.CV, &it.Indexed, &it.BlobKey,
			&it.CreatedAt, &it.UpdatedAt, &it.DeletedAt); err != nil {
			return nil, newStorageError("meta", ms.path, err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError("meta", ms.path, err)
	}
	return out, nil
}

// collectionNames lists collections that have seen at least one write.
func (ms *metaStore) collectionNames(ctx context.Context) ([]string, error) {
	if err := ms.guard(); err != nil {
		return nil, err
	}
	rows, err := ms.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, newStorageError("meta", ms.path, err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, newStorageError("meta", ms.path, err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// pruneCandidates returns non-current versions eligible for retention pruning.
// The join against items.ov inside a single statement keeps the "never the
// current version" guarantee atomic with respect to concurrent appends.
func (ms *metaStore) pruneCandidates(ctx context.Context, collection string, cutoff int64, maxPerItem int, limit int) ([]versionRow, error) {
	if err := ms.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT v.collection, v.item_id, v.ov, v.cv, v.blob_key, v.indexed,
		       v.actor, v.reason, v.function_id, v.created_at, v.deleted_at
		FROM versions v
		JOIN items i ON i.collection = v.collection AND i.id = v.item_id
		WHERE v.collection = ? AND v.ov < i.ov AND (
			(? > 0 AND v.created_at < ?) OR
			(? > 0 AND v.ov <= i.ov - ?)
		)
		ORDER BY v.item_id, v.ov
		LIMIT ?
	`
	rows, err := ms.db.QueryContext(ctx, query,
		collection, cutoff, cutoff, maxPerItem, maxPerItem, limit)
	if err != nil {
		return nil, newStorageError("meta", ms.path, err)
	}
	defer func() { _ = rows.Close() }()

	var out []versionRow
	for rows.Next() {
		var v versionRow
		if err := rows.Scan(&v.Collection, &v.ItemID, &v.OV, &v.CV, &v.BlobKey, &v.Indexed,
			&v.Actor, &v.Reason, &v.FunctionID, &v.CreatedAt, &v.DeletedAt); err != nil {
			return nil, newStorageError("meta", ms.path, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// deleteVersion removes a version record, re-checking that it is still not
// the current version. Idempotent.
func (ms *metaStore) deleteVersion(ctx context.Context, collection, id string, ov int64) (bool, error) {
	if err := ms.guard(); err != nil {
		return false, err
	}
	res, err := ms.db.ExecContext(ctx, `
		DELETE FROM versions
		WHERE collection = ? AND item_id = ? AND ov = ?
		  AND ov < (SELECT ov FROM items WHERE collection = ? AND id = ?)
	`, collection, id, ov, collection, id)
	if err != nil {
		return false, newStorageError("meta", ms.path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newStorageError("meta", ms.path, err)
	}
	return n > 0, nil
}

// blobReferenced reports whether any version still references a blob key.
// Tombstones share their predecessor's blob, so blobs are only deleted once
// unreferenced.
func (ms *metaStore) blobReferenced(ctx context.Context, collection, blobKey string) (bool, error) {
	if err := ms.guard(); err != nil {
		return false, err
	}
	var one int
	err := ms.db.QueryRowContext(ctx,
		`SELECT 1 FROM versions WHERE collection = ? AND blob_key = ? LIMIT 1`,
		collection, blobKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, newStorageError("meta", ms.path, err)
	}
	return true, nil
}

// maxOvForItem returns the current ov for an item, or -1 if the item is unknown.
func (ms *metaStore) maxOvForItem(ctx context.Context, collection, id string) (int64, error) {
	it, err := ms.getItem(ctx, collection, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return -1, nil
		}
		return 0, err
	}
	return it.OV, nil
}

// Ping verifies the database file is reachable.
func (ms *metaStore) Ping(ctx context.Context) error {
	if err := ms.guard(); err != nil {
		return err
	}
	return ms.db.PingContext(ctx)
}

// Close releases the database handle. Idempotent.
func (ms *metaStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil
	}
	ms.closed = true
	return ms.db.Close()
}
