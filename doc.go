// Package chronos provides a versioned, multi-tenant document store with
// split metadata/payload storage.
//
// Document metadata (current-version pointers, indexed field projections,
// version history) lives in an embedded SQLite tier; payloads are stored as
// blobs in S3-compatible object storage with optional snappy compression and
// AES-256-GCM encryption. Every write appends an immutable version; history
// is readable until the retention sweeper prunes it.
//
// # Basic Usage
//
// Initialize from a configuration and bind a collection:
//
//	db, err := chronos.Init(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Admin().Shutdown(context.Background())
//
//	users, err := db.With(chronos.Ctx{Database: "runtime_generic", Collection: "users"})
//
// Write and read versioned documents:
//
//	res, err := users.Create(ctx, map[string]any{
//	    "email":  "jane@example.com",
//	    "status": "active",
//	}, &chronos.WriteOptions{Actor: "system", Reason: "user registration"})
//
//	view, err := users.GetLatest(ctx, res.ID, &chronos.ReadOptions{
//	    Presign:    true,
//	    TTLSeconds: 3600,
//	})
//
// Query by indexed metadata:
//
//	page, err := users.ListByMeta(ctx, chronos.ListQuery{
//	    Filter: map[string]any{"status": "active"},
//	    Limit:  10,
//	    Sort:   "-createdAt",
//	})
//
// # Features
//
// Storage:
//   - Append-only version chains with gapless, CAS-enforced version numbers
//   - Indexed metadata projections with filtered, sorted, cursor-paginated listing
//   - Per-content-type buckets (JSON payloads, raw content, versions, backups)
//   - Filesystem object store for deployments without S3 credentials
//
// Operations:
//   - Optimistic-concurrency updates, incremental enrichment, tombstone
//     deletes, point-in-time reads, and version restore
//   - Presigned, time-limited URLs for direct payload access
//   - Conditional counters with day/week/month rollups
//   - Write batching and counter debouncing to amortize I/O
//   - Background retention sweep for versions and counter buckets
//   - Change-stream subscriptions, in-process or over WebSocket
//
// # Configuration
//
// Use [Config] directly or load it from YAML with [LoadConfig]. Connection
// pools, routing policy, retention policy, collection maps, and counter rules
// are validated at [Init] and immutable for the process lifetime.
package chronos
