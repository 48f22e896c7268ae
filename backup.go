package chronos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
)

// backupPageSize bounds items loaded per metadata query during an export.
const backupPageSize = 200

// BackupResult reports a completed collection export.
type BackupResult struct {
	Key   string
	Items int
	Bytes int
}

// backupRecord is one exported item: the current version with its payload
// inlined.
type backupRecord struct {
	ID      string         `json:"id"`
	OV      int64          `json:"ov"`
	CV      int64          `json:"cv"`
	At      int64          `json:"at"`
	Indexed map[string]any `json:"indexed,omitempty"`
	Item    map[string]any `json:"item"`
}

// Backup exports every live item of a collection to the backups bucket as
// snappy-framed JSON lines, one record per item. The export reflects each
// item's current version at read time; it is not a point-in-time snapshot
// across the collection.
func (a *Admin) Backup(ctx context.Context, dbName, collection string) (*BackupResult, error) {
	b, err := a.db.bindingForDBName(dbName)
	if err != nil {
		return nil, err
	}
	ops := &Ops{
		db:         a.db,
		binding:    b,
		collection: collection,
		cmap:       a.db.cfg.collectionMap(collection),
	}

	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	enc := json.NewEncoder(w)

	count := 0
	afterID := ""
	for {
		query := `
			SELECT collection, id, ov, cv, indexed, blob_key, created_at, updated_at, deleted_at
			FROM items
			WHERE collection = ? AND deleted_at IS NULL AND id > ?
			ORDER BY id ASC
			LIMIT ?
		`
		rows, err := b.meta.selectItems(ctx, query, collection, afterID, backupPageSize)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		for _, it := range rows {
			payload, err := ops.readPayload(ctx, it.BlobKey)
			if err != nil {
				return nil, err
			}
			rec := backupRecord{ID: it.ID, OV: it.OV, CV: it.CV, At: it.UpdatedAt, Item: payload}
			_ = json.Unmarshal([]byte(it.Indexed), &rec.Indexed)
			if err := enc.Encode(rec); err != nil {
				return nil, fmt.Errorf("encode backup record: %w", err)
			}
			count++
		}
		afterID = rows[len(rows)-1].ID
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize backup stream: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s.jsonl.sz", dbName, collection,
		time.Now().UTC().Format("20060102T150405Z"))
	if err := b.objects.Put(ctx, b.backupsBucket(), key, buf.Bytes()); err != nil {
		return nil, err
	}

	a.db.logger.Info("collection backup written",
		"db", dbName, "collection", collection, "key", key, "items", count)
	return &BackupResult{Key: key, Items: count, Bytes: buf.Len()}, nil
}
