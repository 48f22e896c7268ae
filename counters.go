package chronos

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// counterKey identifies one counter cell.
type counterKey struct {
	scope  CounterScope
	tenant string
	name   string
}

// counterEngine evaluates counter rules on write events and maintains the
// counter database. Increments are debounced: rule matches accumulate
// in-process and flush as one transaction per debounce window, so totals may
// lag the latest write by that window.
type counterEngine struct {
	store   *metaStore
	rules   []CounterRule
	rollup  RollupConfig
	keep    CounterRetention
	logger  *slog.Logger
	metrics *engineMetrics

	mu      sync.Mutex
	pending map[counterKey]int64

	debounce time.Duration
	closeCh  chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

func newCounterEngine(store *metaStore, cfg *Config, metrics *engineMetrics) *counterEngine {
	e := &counterEngine{
		store:    store,
		rules:    cfg.CounterRules,
		rollup:   cfg.Rollup,
		keep:     cfg.Retention.Counters,
		logger:   cfg.logger(),
		metrics:  metrics,
		pending:  make(map[counterKey]int64),
		debounce: cfg.WriteOptimization.debounceCounters(),
		closeCh:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.worker()
	return e
}

// observe evaluates every rule against a write event's indexed projection.
func (e *counterEngine) observe(ev EventType, tenant string, indexed map[string]any) {
	if len(e.rules) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, rule := range e.rules {
		if !ruleTriggers(rule, ev) || !ruleMatches(rule.When, indexed) {
			continue
		}
		key := counterKey{scope: rule.Scope, name: rule.Name}
		if rule.Scope == ScopeTenant {
			key.tenant = tenant
		}
		e.pending[key]++
	}
}

func ruleTriggers(rule CounterRule, ev EventType) bool {
	for _, on := range rule.On {
		if on == ev {
			return true
		}
	}
	return false
}

// ruleMatches evaluates a rule's When predicate: every declared field must
// equal the event's indexed value.
func ruleMatches(when map[string]any, indexed map[string]any) bool {
	for field, want := range when {
		got, ok := indexed[field]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares scalars across the JSON/YAML numeric type split.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (e *counterEngine) worker() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.debounce)
	defer ticker.Stop()

	var rollupTicker *time.Ticker
	var rollupC <-chan time.Time
	if e.rollup.Enabled {
		rollupTicker = time.NewTicker(e.rollup.interval())
		rollupC = rollupTicker.C
		defer rollupTicker.Stop()
	}

	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			if err := e.flush(context.Background()); err != nil {
				e.logger.Warn("counter flush failed, deltas retained", "err", err)
			}
		case <-rollupC:
			if err := e.rollupPass(context.Background()); err != nil {
				e.logger.Warn("counter rollup failed", "err", err)
			}
		}
	}
}

// flush applies accumulated deltas in one transaction. On failure the deltas
// are merged back for the next window.
func (e *counterEngine) flush(ctx context.Context) error {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return nil
	}
	deltas := e.pending
	e.pending = make(map[counterKey]int64)
	e.mu.Unlock()

	if err := e.apply(ctx, deltas); err != nil {
		e.mu.Lock()
		for k, d := range deltas {
			e.pending[k] += d
		}
		e.mu.Unlock()
		return err
	}
	e.metrics.observeCounterFlush()
	return nil
}

func (e *counterEngine) apply(ctx context.Context, deltas map[counterKey]int64) error {
	if err := e.store.guard(); err != nil {
		return err
	}
	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError("meta", "counters", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for key, delta := range deltas {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO counters (scope, tenant, name, value, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(scope, tenant, name) DO UPDATE SET
				value = value + excluded.value,
				updated_at = excluded.updated_at
		`, string(key.scope), key.tenant, key.name, delta, now); err != nil {
			return newStorageError("meta", "counters", err)
		}
		if e.rollup.Enabled {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO counter_events (scope, tenant, name, delta, at)
				VALUES (?, ?, ?, ?, ?)
			`, string(key.scope), key.tenant, key.name, delta, now); err != nil {
				return newStorageError("meta", "counters", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return newStorageError("meta", "counters", err)
	}
	return nil
}

// Counter rollup granularities.
const (
	granularityDay   = "day"
	granularityWeek  = "week"
	granularityMonth = "month"
)

// rollupPass compacts raw counter events into day/week/month buckets, then
// prunes buckets beyond retention and the consumed events.
func (e *counterEngine) rollupPass(ctx context.Context) error {
	if err := e.store.guard(); err != nil {
		return err
	}
	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError("meta", "counters", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM counter_events`).Scan(&maxID); err != nil {
		return newStorageError("meta", "counters", err)
	}
	if maxID == 0 {
		return nil
	}

	for _, g := range []struct {
		name   string
		bucket string // date truncation yielding the bucket start
	}{
		{granularityDay, `date(at/1000, 'unixepoch')`},
		// Monday-start weeks.
		{granularityWeek, `date(at/1000, 'unixepoch', 'weekday 0', '-6 days')`},
		{granularityMonth, `date(at/1000, 'unixepoch', 'start of month')`},
	} {
		bucketExpr := `CAST(strftime('%s', ` + g.bucket + `) AS INTEGER) * 1000`
		query := `
			INSERT INTO counter_rollups (scope, tenant, name, granularity, bucket_start, value)
			SELECT scope, tenant, name, ?, ` + bucketExpr + ` AS bucket, SUM(delta)
			FROM counter_events
			WHERE id <= ?
			GROUP BY scope, tenant, name, bucket
			ON CONFLICT(scope, tenant, name, granularity, bucket_start) DO UPDATE SET
				value = value + excluded.value
		`
		if _, err := tx.ExecContext(ctx, query, g.name, maxID); err != nil {
			return newStorageError("meta", "counters", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM counter_events WHERE id <= ?`, maxID); err != nil {
		return newStorageError("meta", "counters", err)
	}

	now := time.Now()
	for _, p := range []struct {
		granularity string
		keep        time.Duration
	}{
		{granularityDay, time.Duration(e.keep.Days) * 24 * time.Hour},
		{granularityWeek, time.Duration(e.keep.Weeks) * 7 * 24 * time.Hour},
		{granularityMonth, time.Duration(e.keep.Months) * 31 * 24 * time.Hour},
	} {
		if p.keep <= 0 {
			continue
		}
		cutoff := now.Add(-p.keep).UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM counter_rollups WHERE granularity = ? AND bucket_start < ?`,
			p.granularity, cutoff); err != nil {
			return newStorageError("meta", "counters", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return newStorageError("meta", "counters", err)
	}
	return nil
}

// Totals returns current counter values for a scope. Tenant is ignored for
// the meta scope.
func (e *counterEngine) Totals(ctx context.Context, scope CounterScope, tenant string) (map[string]int64, error) {
	if err := e.store.guard(); err != nil {
		return nil, err
	}
	if scope == ScopeMeta {
		tenant = ""
	}
	rows, err := e.store.db.QueryContext(ctx,
		`SELECT name, value FROM counters WHERE scope = ? AND tenant = ?`,
		string(scope), tenant)
	if err != nil {
		return nil, newStorageError("meta", "counters", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, newStorageError("meta", "counters", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

// Close flushes pending deltas and stops the worker. Idempotent.
func (e *counterEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.closeCh)
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.flushFinal(ctx)
}

func (e *counterEngine) flushFinal(ctx context.Context) error {
	e.mu.Lock()
	deltas := e.pending
	e.pending = make(map[counterKey]int64)
	e.mu.Unlock()
	if len(deltas) == 0 {
		return nil
	}
	return e.apply(ctx, deltas)
}
