package chronos

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// sweepBatch bounds versions pruned per collection per pass.
const sweepBatch = 500

// sweeper is the background retention pass. It prunes version history by age
// and per-item count, removes unreferenced payload blobs, and cleans orphan
// blobs left by writes that lost their CAS race. It talks to the live path
// only through the metadata tier's atomic statements, so it is idempotent
// and safe to run concurrently with writers (and with itself).
type sweeper struct {
	db      *DB
	policy  VersionRetention
	logger  *slog.Logger
	metrics *engineMetrics

	interval time.Duration
	closeCh  chan struct{}
	closed   bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

func newSweeper(db *DB, cfg *Config, metrics *engineMetrics) *sweeper {
	s := &sweeper{
		db:       db,
		policy:   cfg.Retention.Ver,
		logger:   cfg.logger(),
		metrics:  metrics,
		interval: cfg.Retention.sweepInterval(),
		closeCh:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *sweeper) worker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			if s.policy.Days <= 0 && s.policy.MaxPerItem <= 0 {
				continue
			}
			if err := s.Sweep(context.Background()); err != nil {
				s.logger.Warn("retention sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs one full retention pass over every open database.
func (s *sweeper) Sweep(ctx context.Context) error {
	var firstErr error
	for _, b := range s.db.openBindings() {
		if err := s.sweepBinding(ctx, b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sweepBinding prunes one database's collections.
func (s *sweeper) sweepBinding(ctx context.Context, b *binding) error {
	collections, err := b.meta.collectionNames(ctx)
	if err != nil {
		return err
	}

	var cutoff int64
	if s.policy.Days > 0 {
		cutoff = time.Now().AddDate(0, 0, -s.policy.Days).UnixMilli()
	}

	for _, col := range collections {
		candidates, err := b.meta.pruneCandidates(ctx, col, cutoff, s.policy.MaxPerItem, sweepBatch)
		if err != nil {
			return err
		}
		pruned := 0
		for _, v := range candidates {
			// deleteVersion re-checks currency, so a version promoted by a
			// concurrent restore between the candidate query and here is kept.
			deleted, err := b.meta.deleteVersion(ctx, col, v.ItemID, v.OV)
			if err != nil {
				return err
			}
			if !deleted {
				continue
			}
			pruned++
			if err := s.deleteBlobIfUnreferenced(ctx, b, col, v.BlobKey); err != nil {
				s.logger.Warn("blob delete failed after version prune",
					"collection", col, "key", v.BlobKey, "err", err)
			}
		}
		if pruned > 0 {
			s.metrics.observePruned(pruned)
			s.logger.Info("retention pruned versions",
				"db", b.dbName, "collection", col, "count", pruned)
		}

		if err := s.sweepOrphans(ctx, b, col); err != nil {
			s.logger.Warn("orphan sweep failed", "db", b.dbName, "collection", col, "err", err)
		}
	}
	return nil
}

func (s *sweeper) deleteBlobIfUnreferenced(ctx context.Context, b *binding, collection, blobKey string) error {
	referenced, err := b.meta.blobReferenced(ctx, collection, blobKey)
	if err != nil || referenced {
		return err
	}
	return b.objects.Delete(ctx, b.jsonBucket(), blobKey)
}

// sweepOrphans removes payload blobs with no version record. A write whose
// metadata transaction never committed leaves such a blob behind. Blobs above
// the item's current ov, or belonging to an unknown item, may be an in-flight
// write and are left alone; anything at or below the current ov without a row
// is garbage.
func (s *sweeper) sweepOrphans(ctx context.Context, b *binding, collection string) error {
	prefix := b.dbName + "/" + collection + "/"
	keys, err := b.objects.List(ctx, b.jsonBucket(), prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		id, ov, ok := parseBlobKey(key, prefix)
		if !ok {
			continue
		}
		referenced, err := b.meta.blobReferenced(ctx, collection, key)
		if err != nil {
			return err
		}
		if referenced {
			continue
		}
		currentOv, err := b.meta.maxOvForItem(ctx, collection, id)
		if err != nil {
			return err
		}
		if currentOv < 0 || ov > currentOv {
			continue
		}
		if err := b.objects.Delete(ctx, b.jsonBucket(), key); err != nil {
			return err
		}
		s.logger.Debug("removed orphan blob", "collection", collection, "key", key)
	}
	return nil
}

// parseBlobKey extracts (id, ov) from a payload key of the form
// <db>/<collection>/<id>/v<ov>.json.
func parseBlobKey(key, prefix string) (string, int64, bool) {
	rest := strings.TrimPrefix(key, prefix)
	i := strings.LastIndexByte(rest, '/')
	if i < 0 {
		return "", 0, false
	}
	id, file := rest[:i], rest[i+1:]
	if !strings.HasPrefix(file, "v") || !strings.HasSuffix(file, ".json") {
		return "", 0, false
	}
	ov, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(file, "v"), ".json"), 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id, ov, true
}

// Close stops the sweeper. Idempotent.
func (s *sweeper) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.closeCh)
	s.wg.Wait()
	return nil
}

// blobKeyFor is the canonical payload key for a version.
func blobKeyFor(dbName, collection, id string, ov int64) string {
	return fmt.Sprintf("%s/%s/%s/v%d.json", dbName, collection, id, ov)
}

// contentKeyFor is the canonical content-bucket key for an externalized prop.
func contentKeyFor(dbName, collection, id string, ov int64, prop string) string {
	return fmt.Sprintf("%s/%s/%s/v%d/%s", dbName, collection, id, ov, prop)
}
