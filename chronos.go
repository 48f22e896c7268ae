package chronos

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
)

// Local storage directory names standing in for buckets when no spaces
// connection is configured.
const (
	localJSONBucket    = "json"
	localContentBucket = "content"
	localBackupsBucket = "backups"
)

// Ctx addresses one logical collection for an operation. Either Database
// names the target directly, or Tier plus Tenant route through the tiered
// database map (empty Tenant selects the tier's generic target).
type Ctx struct {
	Database   string
	Tier       string
	Tenant     string
	Collection string
}

// binding is one logical database's resolved backing pair.
type binding struct {
	dbName  string
	tenant  string
	meta    *metaStore
	objects ObjectStore
	spaces  *SpacesConn // nil on local storage
}

func (b *binding) jsonBucket() string {
	if b.spaces != nil {
		return b.spaces.JSONBucket
	}
	return localJSONBucket
}

func (b *binding) contentBucket() string {
	if b.spaces != nil && b.spaces.ContentBucket != "" {
		return b.spaces.ContentBucket
	}
	if b.spaces != nil {
		return b.spaces.JSONBucket
	}
	return localContentBucket
}

func (b *binding) backupsBucket() string {
	if b.spaces != nil && b.spaces.BackupsBucket != "" {
		return b.spaces.BackupsBucket
	}
	if b.spaces != nil {
		return b.spaces.JSONBucket
	}
	return localBackupsBucket
}

// DB is the engine handle. One DB owns every metadata connection, object
// store, and background worker; it is safe for concurrent use.
type DB struct {
	cfg     *Config
	logger  *slog.Logger
	router  *Router
	metrics *engineMetrics
	codec   *payloadCodec
	hub     *Hub

	counters *counterEngine
	sweep    *sweeper

	mu        sync.RWMutex
	metas     map[string]*metaStore  // metaConn key + "\x00" + dbName
	objects   map[string]ObjectStore // spaces key, or "" for local
	bindings  map[string]*binding    // dbName
	counterMS *metaStore
	closed    bool
}

// Init validates the configuration and starts the engine. The returned DB
// must be shut down via Admin().Shutdown to drain buffered writes.
func Init(cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	router, err := newRouter(&cfg)
	if err != nil {
		return nil, err
	}
	encryptor, err := newPayloadEncryptor(cfg.Encryption)
	if err != nil {
		return nil, err
	}

	db := &DB{
		cfg:      &cfg,
		logger:   cfg.logger(),
		router:   router,
		metrics:  newEngineMetrics(),
		codec:    newPayloadCodec(true, encryptor),
		metas:    make(map[string]*metaStore),
		objects:  make(map[string]ObjectStore),
		bindings: make(map[string]*binding),
	}
	db.hub = newHub(WatchConfig{}, db.logger)

	counterMS, err := db.openCounterStore()
	if err != nil {
		return nil, err
	}
	db.counterMS = counterMS
	db.counters = newCounterEngine(counterMS, &cfg, db.metrics)
	db.sweep = newSweeper(db, &cfg, db.metrics)

	db.logger.Info("engine initialized",
		"metaConns", len(cfg.MetaConns),
		"spacesConns", len(cfg.Spaces),
		"localStorage", cfg.LocalStorage != nil && cfg.LocalStorage.Enabled,
		"writeOptimization", cfg.WriteOptimization.Enabled)
	return db, nil
}

// openCounterStore opens the dedicated counter database.
func (db *DB) openCounterStore() (*metaStore, error) {
	name := db.cfg.Counters.DBName
	if name == "" {
		name = "chronos_counters"
	}
	conn := db.metaConn(db.cfg.Counters.MetaConn)
	return db.metaStoreFor(conn, name)
}

func (db *DB) metaConn(key string) *MetaConn {
	if key == "" {
		return &db.cfg.MetaConns[0]
	}
	for i := range db.cfg.MetaConns {
		if db.cfg.MetaConns[i].Key == key {
			return &db.cfg.MetaConns[i]
		}
	}
	return &db.cfg.MetaConns[0]
}

// With returns a collection-bound operation handle. Backing stores open
// lazily on first use and stay open for the engine lifetime.
func (db *DB) With(c Ctx) (*Ops, error) {
	if c.Collection == "" {
		return nil, &ValidationError{Field: "collection", Message: "collection is required"}
	}
	var route *Route
	var err error
	if c.Database != "" {
		route, err = db.router.ResolveDBName(c.Database)
	} else {
		route, err = db.router.Resolve(c.Tier, c.Tenant)
	}
	if err != nil {
		return nil, err
	}
	b, err := db.bindingFor(route)
	if err != nil {
		return nil, err
	}
	return &Ops{
		db:         db,
		binding:    b,
		collection: c.Collection,
		cmap:       db.cfg.collectionMap(c.Collection),
		tenant:     route.Tenant,
	}, nil
}

// bindingForDBName resolves a binding for a database referenced by name.
func (db *DB) bindingForDBName(dbName string) (*binding, error) {
	route, err := db.router.ResolveDBName(dbName)
	if err != nil {
		return nil, err
	}
	return db.bindingFor(route)
}

func (db *DB) bindingFor(route *Route) (*binding, error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, ErrClosed
	}
	if b, ok := db.bindings[route.DBName]; ok {
		db.mu.RUnlock()
		return b, nil
	}
	db.mu.RUnlock()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	if b, ok := db.bindings[route.DBName]; ok {
		return b, nil
	}

	meta, err := db.metaStoreForLocked(route.Meta, route.DBName)
	if err != nil {
		return nil, err
	}
	objects, err := db.objectStoreLocked(route.Spaces)
	if err != nil {
		return nil, err
	}
	b := &binding{
		dbName:  route.DBName,
		tenant:  route.Tenant,
		meta:    meta,
		objects: objects,
		spaces:  route.Spaces,
	}
	db.bindings[route.DBName] = b
	return b, nil
}

// metaStoreFor opens (or reuses) the SQLite file for a logical database on a
// metadata connection.
func (db *DB) metaStoreFor(conn *MetaConn, dbName string) (*metaStore, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.metaStoreForLocked(conn, dbName)
}

func (db *DB) metaStoreForLocked(conn *MetaConn, dbName string) (*metaStore, error) {
	key := conn.Key + "\x00" + dbName
	if ms, ok := db.metas[key]; ok {
		return ms, nil
	}
	ms, err := openMetaStore(filepath.Join(conn.Dir, dbName+".db"))
	if err != nil {
		return nil, err
	}
	db.metas[key] = ms
	return ms, nil
}

// objectStoreLocked opens (or reuses) the object store for a spaces
// connection, wrapping it in the write optimizer when enabled. A nil
// connection selects local storage.
func (db *DB) objectStoreLocked(conn *SpacesConn) (ObjectStore, error) {
	key := ""
	if conn != nil {
		key = conn.Key
	}
	if store, ok := db.objects[key]; ok {
		return store, nil
	}

	var store ObjectStore
	var err error
	if conn != nil {
		store, err = NewS3Store(*conn)
	} else {
		if db.cfg.LocalStorage == nil || !db.cfg.LocalStorage.Enabled {
			return nil, &ConfigError{Section: "localStorage", Message: "no object storage available"}
		}
		store, err = NewLocalStore(db.cfg.LocalStorage.BasePath)
	}
	if err != nil {
		return nil, err
	}
	if db.cfg.WriteOptimization.Enabled {
		store = newWriteOptimizer(store, db.cfg.WriteOptimization, db.logger, db.metrics)
	}
	db.objects[key] = store
	return store, nil
}

// openBindings snapshots the currently open bindings, ordered by database
// name.
func (db *DB) openBindings() []*binding {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*binding, 0, len(db.bindings))
	for _, b := range db.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].dbName < out[j].dbName })
	return out
}

// Counters returns current counter totals for a scope.
func (db *DB) Counters(ctx context.Context, scope CounterScope, tenant string) (map[string]int64, error) {
	return db.counters.Totals(ctx, scope, tenant)
}

// Watch returns the change-stream hub for subscriptions and WebSocket
// serving.
func (db *DB) Watch() *Hub {
	return db.hub
}

// Admin exposes operational entry points.
type Admin struct {
	db *DB
}

// Admin returns the operational surface of the engine.
func (db *DB) Admin() *Admin {
	return &Admin{db: db}
}

// HealthStatus reports per-connection health.
type HealthStatus struct {
	Healthy bool              `json:"healthy"`
	Meta    map[string]string `json:"meta"`    // metaConn key -> "ok" or error
	Objects map[string]string `json:"objects"` // spaces key (or "local") -> "ok" or error
}

// Health pings every open metadata store and object store.
func (a *Admin) Health(ctx context.Context) *HealthStatus {
	st := &HealthStatus{
		Healthy: true,
		Meta:    make(map[string]string),
		Objects: make(map[string]string),
	}

	a.db.mu.RLock()
	metas := make(map[string]*metaStore, len(a.db.metas))
	for k, ms := range a.db.metas {
		metas[k] = ms
	}
	objects := make(map[string]ObjectStore, len(a.db.objects))
	for k, os := range a.db.objects {
		objects[k] = os
	}
	a.db.mu.RUnlock()

	for key, ms := range metas {
		if err := ms.Ping(ctx); err != nil {
			st.Meta[key] = err.Error()
			st.Healthy = false
		} else {
			st.Meta[key] = "ok"
		}
	}
	for key, store := range objects {
		if key == "" {
			key = "local"
		}
		if _, err := store.Head(ctx, a.db.jsonBucketFor(key), ".health"); err != nil {
			st.Objects[key] = err.Error()
			st.Healthy = false
		} else {
			st.Objects[key] = "ok"
		}
	}
	return st
}

func (db *DB) jsonBucketFor(spacesKey string) string {
	for i := range db.cfg.Spaces {
		if db.cfg.Spaces[i].Key == spacesKey {
			return db.cfg.Spaces[i].JSONBucket
		}
	}
	return localJSONBucket
}

// Shutdown stops background workers, drains buffered payload writes, and
// closes every store. Idempotent; concurrent operations after Shutdown fail
// with ErrClosed.
func (a *Admin) Shutdown(ctx context.Context) error {
	db := a.db
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	metas := db.metas
	objects := db.objects
	db.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(db.sweep.Close())
	record(db.counters.Close())
	db.hub.Close()

	for _, store := range objects {
		record(store.Close())
	}
	for _, ms := range metas {
		record(ms.Close())
	}

	if firstErr != nil {
		db.logger.Error("shutdown completed with errors", "err", firstErr)
		return fmt.Errorf("shutdown: %w", firstErr)
	}
	db.logger.Info("engine shut down")
	return nil
}
