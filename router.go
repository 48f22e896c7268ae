package chronos

import (
	"hash/fnv"
	"strings"
)

// Route is a resolved backing pair for a logical database.
type Route struct {
	DBName string
	Meta   *MetaConn
	Spaces *SpacesConn // nil when running on local storage
	Tenant string      // extIdentifier of the target, empty for generic
}

// Router maps logical (tier, scope) keys to concrete connection pairs. The
// routing table is built once at Init and never mutated.
type Router struct {
	algo      string
	chooseKey string
	metas     []MetaConn
	spaces    []SpacesConn
	byDBName  map[string]routeEntry
	byScope   map[string]routeEntry // tier + "\x00" + extIdentifier
	generic   map[string]routeEntry // tier name
}

type routeEntry struct {
	target Target
	tier   string
}

func newRouter(cfg *Config) (*Router, error) {
	r := &Router{
		algo:      cfg.Routing.HashAlgo,
		chooseKey: cfg.Routing.ChooseKey,
		metas:     cfg.MetaConns,
		spaces:    cfg.Spaces,
		byDBName:  make(map[string]routeEntry),
		byScope:   make(map[string]routeEntry),
		generic:   make(map[string]routeEntry),
	}
	if r.algo == "" {
		r.algo = HashRendezvous
	}
	if r.chooseKey == "" {
		r.chooseKey = "tenantId|dbName"
	}

	for tierName, tier := range cfg.Databases.tiers() {
		if tier.Generic != nil {
			e := routeEntry{target: *tier.Generic, tier: tierName}
			r.generic[tierName] = e
			r.byDBName[tier.Generic.DBName] = e
		}
		for _, t := range tier.Domains {
			e := routeEntry{target: t, tier: tierName}
			r.byScope[tierName+"\x00"+t.ExtIdentifier] = e
			r.byDBName[t.DBName] = e
		}
		for _, t := range tier.Tenants {
			e := routeEntry{target: t, tier: tierName}
			r.byScope[tierName+"\x00"+t.ExtIdentifier] = e
			r.byDBName[t.DBName] = e
		}
	}
	return r, nil
}

// ResolveDBName routes a logical database referenced directly by name.
func (r *Router) ResolveDBName(dbName string) (*Route, error) {
	e, ok := r.byDBName[dbName]
	if !ok {
		return nil, &NotFoundError{Kind: "database", Key: dbName}
	}
	return r.resolve(e)
}

// Resolve routes a (tier, extIdentifier) pair. An empty extIdentifier selects
// the tier's generic target.
func (r *Router) Resolve(tier, extIdentifier string) (*Route, error) {
	if tier == "" {
		return nil, &ConfigError{Section: "routing", Message: "tier is required"}
	}
	if extIdentifier == "" {
		e, ok := r.generic[tier]
		if !ok {
			return nil, &NotFoundError{Kind: "tier", Key: tier}
		}
		return r.resolve(e)
	}
	e, ok := r.byScope[tier+"\x00"+extIdentifier]
	if !ok {
		return nil, &NotFoundError{Kind: "tier", Key: tier + "/" + extIdentifier}
	}
	return r.resolve(e)
}

func (r *Router) resolve(e routeEntry) (*Route, error) {
	route := &Route{DBName: e.target.DBName, Tenant: e.target.ExtIdentifier}
	scope := r.scopeKey(e.target)

	if e.target.MetaConn != "" {
		for i := range r.metas {
			if r.metas[i].Key == e.target.MetaConn {
				route.Meta = &r.metas[i]
				break
			}
		}
	} else if len(r.metas) > 0 {
		route.Meta = &r.metas[r.pick(scope, metaConnKeys(r.metas))]
	}
	if route.Meta == nil {
		return nil, &ConfigError{Section: "databases", Message: "no metadata connection resolvable for " + e.target.DBName}
	}

	if len(r.spaces) > 0 {
		if e.target.Spaces != "" {
			for i := range r.spaces {
				if r.spaces[i].Key == e.target.Spaces {
					route.Spaces = &r.spaces[i]
					break
				}
			}
			if route.Spaces == nil {
				return nil, &ConfigError{Section: "databases", Message: "no spaces connection resolvable for " + e.target.DBName}
			}
		} else {
			route.Spaces = &r.spaces[r.pick(scope, spacesConnKeys(r.spaces))]
		}
	}
	return route, nil
}

// scopeKey renders the routing key template for a target.
func (r *Router) scopeKey(t Target) string {
	parts := strings.Split(r.chooseKey, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p {
		case "tenantId":
			out = append(out, t.ExtIdentifier)
		case "dbName":
			out = append(out, t.DBName)
		default:
			out = append(out, p)
		}
	}
	return strings.Join(out, "|")
}

// pick selects a connection index for a scope key. Deterministic for a fixed
// pool; jump hashing remaps ~1/N of keys when the pool grows.
func (r *Router) pick(scopeKey string, connKeys []string) int {
	if len(connKeys) == 1 {
		return 0
	}
	switch r.algo {
	case HashJump:
		return jumpHash(hash64(scopeKey), len(connKeys))
	default:
		return rendezvousPick(scopeKey, connKeys)
	}
}

// rendezvousPick returns the index of the connection maximizing
// hash(connectionKey, scopeKey). Highest-random-weight selection.
func rendezvousPick(scopeKey string, connKeys []string) int {
	best := 0
	var bestWeight uint64
	for i, ck := range connKeys {
		w := hash64(ck + "\x00" + scopeKey)
		if i == 0 || w > bestWeight {
			best = i
			bestWeight = w
		}
	}
	return best
}

// jumpHash is Lamping-Veach jump consistent hashing: maps a 64-bit key to a
// bucket in [0, buckets) remapping only ~1/N of keys when buckets grows.
func jumpHash(key uint64, buckets int) int {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func metaConnKeys(conns []MetaConn) []string {
	keys := make([]string, len(conns))
	for i, c := range conns {
		keys[i] = c.Key
	}
	return keys
}

func spacesConnKeys(conns []SpacesConn) []string {
	keys := make([]string, len(conns))
	for i, c := range conns {
		keys[i] = c.Key
	}
	return keys
}
