package chronos

import (
	"log/slog"
	"time"
)

// Tier names for the tiered database map.
const (
	TierMetadata  = "metadata"
	TierKnowledge = "knowledge"
	TierRuntime   = "runtime"
)

// Config defines the full engine configuration. It is validated at Init and
// immutable for the process lifetime; pool membership changes require a full
// reinitialization.
type Config struct {
	// MetaConns is the pool of metadata-store connections (1-10). Each
	// connection owns a directory of per-database SQLite files.
	MetaConns []MetaConn `yaml:"metaConns"`

	// Spaces is the pool of S3-compatible object-store connections (0-10).
	Spaces []SpacesConn `yaml:"spacesConns"`

	// LocalStorage enables a filesystem object store. Used as the payload
	// tier when no spaces connections are configured.
	LocalStorage *LocalStorageConfig `yaml:"localStorage"`

	// Databases is the tiered database map (metadata/knowledge/runtime,
	// each with generic, domain, and tenant targets).
	Databases Databases `yaml:"databases"`

	// Counters names the database holding counter state.
	Counters CountersConfig `yaml:"counters"`

	// Routing selects the hash algorithm and routing key template.
	Routing RoutingConfig `yaml:"routing"`

	// Retention holds version and counter retention policies.
	Retention RetentionConfig `yaml:"retention"`

	// Rollup enables periodic compaction of counter events into
	// day/week/month buckets.
	Rollup RollupConfig `yaml:"rollup"`

	// Collections maps collection names to their indexed-field schemas.
	Collections map[string]CollectionMap `yaml:"collectionMaps"`

	// CounterRules declares conditional counters evaluated on write events.
	CounterRules []CounterRule `yaml:"counterRules"`

	// WriteOptimization tunes write batching and counter debouncing.
	WriteOptimization WriteOptimizationConfig `yaml:"writeOptimization"`

	// Encryption enables payload encryption at rest.
	Encryption EncryptionConfig `yaml:"encryption"`

	// Logger receives structured engine logs. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// MetaConn describes one metadata-store connection.
type MetaConn struct {
	// Key identifies the connection in routing entries and tier targets.
	Key string `yaml:"key"`

	// Dir is the directory holding this connection's SQLite database files,
	// one file per logical database name.
	Dir string `yaml:"dir"`
}

// SpacesConn describes one S3-compatible object-store connection with
// bucket-scoped namespacing per content type.
type SpacesConn struct {
	Key      string `yaml:"key"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`

	// AccessKey and SecretKey authenticate against the endpoint. Never
	// logged; prefer environment expansion in YAML configs over literals.
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`

	BackupsBucket  string `yaml:"backupsBucket"`
	JSONBucket     string `yaml:"jsonBucket"`
	ContentBucket  string `yaml:"contentBucket"`
	VersionsBucket string `yaml:"versionsBucket"`

	// ForcePathStyle selects path-style addressing, required by most
	// S3-compatible services (MinIO, DigitalOcean Spaces behind custom TLS).
	ForcePathStyle bool `yaml:"forcePathStyle"`
}

// LocalStorageConfig configures the filesystem object store.
type LocalStorageConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BasePath string `yaml:"basePath"`
}

// Databases is the tiered database map.
type Databases struct {
	Metadata  *Tier `yaml:"metadata"`
	Knowledge *Tier `yaml:"knowledge"`
	Runtime   *Tier `yaml:"runtime"`
}

// Tier groups the targets of one database tier.
type Tier struct {
	Generic *Target  `yaml:"generic"`
	Domains []Target `yaml:"domains"`
	Tenants []Target `yaml:"tenants"`
}

// Target binds a logical database name to a metadata connection. MetaConn and
// Spaces pin connections by key; when empty the router chooses by hash.
type Target struct {
	Key           string `yaml:"key"`
	ExtIdentifier string `yaml:"extIdentifier"`
	DBName        string `yaml:"dbName"`
	MetaConn      string `yaml:"metaConn"`
	Spaces        string `yaml:"spaces"`
}

// CountersConfig names the counter database.
type CountersConfig struct {
	DBName   string `yaml:"dbName"`
	MetaConn string `yaml:"metaConn"`
}

// Hash algorithms for routing.
const (
	HashRendezvous = "rendezvous"
	HashJump       = "jump"
)

// RoutingConfig selects the routing hash algorithm and key template.
type RoutingConfig struct {
	// HashAlgo is "rendezvous" (default) or "jump".
	HashAlgo string `yaml:"hashAlgo"`

	// ChooseKey is a '|'-separated template of routing key parts. Supported
	// parts: "tenantId", "dbName". Default: "tenantId|dbName".
	ChooseKey string `yaml:"chooseKey"`
}

// RetentionConfig holds version and counter retention policies. Zero values
// disable the corresponding pruning.
type RetentionConfig struct {
	Ver      VersionRetention `yaml:"ver"`
	Counters CounterRetention `yaml:"counters"`

	// SweepIntervalMinutes is the retention sweeper period. Default: 5.
	SweepIntervalMinutes int `yaml:"sweepIntervalMinutes"`
}

// VersionRetention bounds per-item version history.
type VersionRetention struct {
	// Days prunes versions older than this many days. 0 disables.
	Days int `yaml:"days"`

	// MaxPerItem keeps at most this many most-recent versions per item.
	// 0 disables. The current version is never pruned.
	MaxPerItem int `yaml:"maxPerItem"`
}

// CounterRetention bounds rollup bucket history per granularity.
type CounterRetention struct {
	Days   int `yaml:"days"`
	Weeks  int `yaml:"weeks"`
	Months int `yaml:"months"`
}

// RollupConfig enables counter rollups.
type RollupConfig struct {
	Enabled bool `yaml:"enabled"`

	// IntervalMinutes is the rollup compaction period. Default: 60.
	IntervalMinutes int `yaml:"intervalMinutes"`
}

// CollectionMap declares which payload fields are indexed for a collection
// and which of those are required on every write.
type CollectionMap struct {
	// IndexedProps are the payload fields projected into the metadata tier
	// and available to ListByMeta filters and sorts.
	IndexedProps []string `yaml:"indexedProps"`

	// ContentProps are payload fields externalized to the content bucket and
	// returned as presigned URLs instead of inline values.
	ContentProps []string `yaml:"contentProps"`

	Validation CollectionValidation `yaml:"validation"`
}

// CollectionValidation holds write-time validation rules.
type CollectionValidation struct {
	// RequiredIndexed lists indexed fields that every write must supply.
	RequiredIndexed []string `yaml:"requiredIndexed"`
}

// EventType identifies a write event for counter rules and change streams.
type EventType string

// Write event types.
const (
	EventCreate  EventType = "CREATE"
	EventUpdate  EventType = "UPDATE"
	EventDelete  EventType = "DELETE"
	EventEnrich  EventType = "ENRICH"
	EventRestore EventType = "RESTORE"
)

// CounterScope selects the aggregation scope of a counter rule.
type CounterScope string

// Counter scopes.
const (
	ScopeMeta   CounterScope = "meta"
	ScopeTenant CounterScope = "tenant"
)

// CounterRule declares a conditional counter incremented when a write event
// in its trigger set produces an indexed projection matching When.
type CounterRule struct {
	Name  string         `yaml:"name"`
	When  map[string]any `yaml:"when"`
	On    []EventType    `yaml:"on"`
	Scope CounterScope   `yaml:"scope"`
}

// WriteOptimizationConfig tunes the write optimizer.
type WriteOptimizationConfig struct {
	Enabled bool `yaml:"enabled"`

	// BatchSize flushes the payload buffer when this many puts are pending.
	// Default: 100.
	BatchSize int `yaml:"batchSize"`

	// BatchWindowMs flushes the payload buffer at least this often.
	// Default: 1000.
	BatchWindowMs int `yaml:"batchWindowMs"`

	// DebounceCountersMs coalesces counter increments. Default: 500.
	DebounceCountersMs int `yaml:"debounceCountersMs"`

	// MaxBuffered bounds pending puts before writers get a CapacityError.
	// Default: 10000.
	MaxBuffered int `yaml:"maxBuffered"`
}

// EncryptionConfig enables AES-256-GCM payload encryption.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`

	// Key is the 32-byte AES-256 key. If empty, KeyPassword is used to
	// derive one.
	Key []byte `yaml:"-"`

	// KeyPassword derives the encryption key via PBKDF2.
	KeyPassword string `yaml:"keyPassword"`
}

// DefaultWriteOptimization returns write-optimizer defaults.
func DefaultWriteOptimization() WriteOptimizationConfig {
	return WriteOptimizationConfig{
		Enabled:            true,
		BatchSize:          100,
		BatchWindowMs:      1000,
		DebounceCountersMs: 500,
		MaxBuffered:        10_000,
	}
}

func (c *WriteOptimizationConfig) batchWindow() time.Duration {
	if c.BatchWindowMs <= 0 {
		return time.Second
	}
	return time.Duration(c.BatchWindowMs) * time.Millisecond
}

func (c *WriteOptimizationConfig) debounceCounters() time.Duration {
	if c.DebounceCountersMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.DebounceCountersMs) * time.Millisecond
}

func (c *RetentionConfig) sweepInterval() time.Duration {
	if c.SweepIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func (c *RollupConfig) interval() time.Duration {
	if c.IntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// tiers returns the configured tiers keyed by tier name.
func (d *Databases) tiers() map[string]*Tier {
	out := make(map[string]*Tier, 3)
	if d.Metadata != nil {
		out[TierMetadata] = d.Metadata
	}
	if d.Knowledge != nil {
		out[TierKnowledge] = d.Knowledge
	}
	if d.Runtime != nil {
		out[TierRuntime] = d.Runtime
	}
	return out
}

// targets returns every target across all tiers.
func (d *Databases) targets() []Target {
	var out []Target
	for _, tier := range d.tiers() {
		if tier.Generic != nil {
			out = append(out, *tier.Generic)
		}
		out = append(out, tier.Domains...)
		out = append(out, tier.Tenants...)
	}
	return out
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	if len(c.MetaConns) == 0 {
		return &ConfigError{Section: "metaConns", Message: "at least one metadata connection is required"}
	}
	if len(c.MetaConns) > 10 {
		return &ConfigError{Section: "metaConns", Message: "at most 10 metadata connections are supported"}
	}
	metaKeys := make(map[string]bool, len(c.MetaConns))
	for _, mc := range c.MetaConns {
		if mc.Key == "" || mc.Dir == "" {
			return &ConfigError{Section: "metaConns", Message: "connection key and dir are required"}
		}
		if metaKeys[mc.Key] {
			return &ConfigError{Section: "metaConns", Message: "duplicate connection key " + mc.Key}
		}
		metaKeys[mc.Key] = true
	}

	if len(c.Spaces) > 10 {
		return &ConfigError{Section: "spacesConns", Message: "at most 10 spaces connections are supported"}
	}
	spacesKeys := make(map[string]bool, len(c.Spaces))
	for _, sc := range c.Spaces {
		if sc.Key == "" {
			return &ConfigError{Section: "spacesConns", Message: "connection key is required"}
		}
		if spacesKeys[sc.Key] {
			return &ConfigError{Section: "spacesConns", Message: "duplicate connection key " + sc.Key}
		}
		spacesKeys[sc.Key] = true
		if sc.Endpoint == "" || sc.JSONBucket == "" {
			return &ConfigError{Section: "spacesConns", Message: "endpoint and jsonBucket are required for " + sc.Key}
		}
	}
	if len(c.Spaces) == 0 && (c.LocalStorage == nil || !c.LocalStorage.Enabled) {
		return &ConfigError{Section: "spacesConns", Message: "either a spaces connection or local storage is required"}
	}
	if c.LocalStorage != nil && c.LocalStorage.Enabled && c.LocalStorage.BasePath == "" {
		return &ConfigError{Section: "localStorage", Message: "basePath is required"}
	}

	tiers := c.Databases.tiers()
	if len(tiers) == 0 {
		return &ConfigError{Section: "databases", Message: "at least one database tier is required"}
	}
	dbNames := make(map[string]bool)
	for name, tier := range tiers {
		for _, t := range append(append([]Target{}, tier.Domains...), tier.Tenants...) {
			if t.ExtIdentifier == "" {
				return &ConfigError{Section: "databases." + name, Message: "extIdentifier is required for domain and tenant targets"}
			}
		}
		for _, t := range c.tierTargets(tier) {
			if t.Key == "" || t.DBName == "" {
				return &ConfigError{Section: "databases." + name, Message: "target key and dbName are required"}
			}
			if dbNames[t.DBName] {
				return &ConfigError{Section: "databases." + name, Message: "duplicate dbName " + t.DBName}
			}
			dbNames[t.DBName] = true
			if t.MetaConn != "" && !metaKeys[t.MetaConn] {
				return &ConfigError{Section: "databases." + name, Message: "unknown metaConn " + t.MetaConn}
			}
			if t.Spaces != "" && !spacesKeys[t.Spaces] {
				return &ConfigError{Section: "databases." + name, Message: "unknown spaces connection " + t.Spaces}
			}
		}
	}

	if c.Counters.MetaConn != "" && !metaKeys[c.Counters.MetaConn] {
		return &ConfigError{Section: "counters", Message: "unknown metaConn " + c.Counters.MetaConn}
	}

	switch c.Routing.HashAlgo {
	case "", HashRendezvous, HashJump:
	default:
		return &ConfigError{Section: "routing", Message: "unknown hashAlgo " + c.Routing.HashAlgo}
	}

	for name, cm := range c.Collections {
		indexed := make(map[string]bool, len(cm.IndexedProps))
		for _, p := range cm.IndexedProps {
			indexed[p] = true
		}
		for _, p := range cm.Validation.RequiredIndexed {
			if !indexed[p] {
				return &ConfigError{
					Section: "collectionMaps." + name,
					Message: "requiredIndexed field " + p + " is not in indexedProps",
				}
			}
		}
	}

	for _, rule := range c.CounterRules {
		if rule.Name == "" {
			return &ConfigError{Section: "counterRules", Message: "rule name is required"}
		}
		switch rule.Scope {
		case ScopeMeta, ScopeTenant:
		default:
			return &ConfigError{Section: "counterRules", Message: "unknown scope for rule " + rule.Name}
		}
		for _, ev := range rule.On {
			switch ev {
			case EventCreate, EventUpdate:
			default:
				return &ConfigError{Section: "counterRules", Message: "rule " + rule.Name + " has unsupported trigger " + string(ev)}
			}
		}
	}

	if c.Encryption.Enabled && len(c.Encryption.Key) == 0 && c.Encryption.KeyPassword == "" {
		return &ConfigError{Section: "encryption", Message: "enabled but no key or keyPassword provided"}
	}

	return nil
}

func (c *Config) tierTargets(tier *Tier) []Target {
	var out []Target
	if tier.Generic != nil {
		out = append(out, *tier.Generic)
	}
	out = append(out, tier.Domains...)
	out = append(out, tier.Tenants...)
	return out
}

// collectionMap returns the declared map for a collection, or an empty map
// for undeclared collections (no indexed fields, no required fields).
func (c *Config) collectionMap(name string) CollectionMap {
	if cm, ok := c.Collections[name]; ok {
		return cm
	}
	return CollectionMap{}
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
