package chronos

import (
	"context"
	"path/filepath"
	"testing"
)

func counterTestConfig(t *testing.T) Config {
	cfg := testConfig(t)
	cfg.CounterRules = []CounterRule{
		{
			Name:  "paidOrders",
			When:  map[string]any{"status": "paid"},
			On:    []EventType{EventCreate, EventUpdate},
			Scope: ScopeMeta,
		},
		{
			Name:  "ordersCreated",
			On:    []EventType{EventCreate},
			Scope: ScopeTenant,
		},
	}
	return cfg
}

func TestCounterRulesApply(t *testing.T) {
	db := newTestDB(t, counterTestConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	if _, err := ops.Create(ctx, map[string]any{"status": "open"}, nil); err != nil {
		t.Fatalf("Create open: %v", err)
	}
	res, err := ops.Create(ctx, map[string]any{"status": "paid"}, nil)
	if err != nil {
		t.Fatalf("Create paid: %v", err)
	}
	if _, err := ops.Update(ctx, res.ID, map[string]any{"status": "paid", "note": "x"}, 0, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := db.counters.flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	totals, err := db.Counters(ctx, ScopeMeta, "")
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if totals["paidOrders"] != 2 { // one matching create + one matching update
		t.Fatalf("expected paidOrders 2, got %d (%v)", totals["paidOrders"], totals)
	}
}

func TestCounterTenantScope(t *testing.T) {
	db := newTestDB(t, counterTestConfig(t))
	ctx := context.Background()

	tenant, err := db.With(Ctx{Tier: TierRuntime, Tenant: "acme", Collection: "orders"})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	generic := testOps(t, db, "orders")

	if _, err := tenant.Create(ctx, map[string]any{"status": "open"}, nil); err != nil {
		t.Fatalf("tenant Create: %v", err)
	}
	if _, err := generic.Create(ctx, map[string]any{"status": "open"}, nil); err != nil {
		t.Fatalf("generic Create: %v", err)
	}
	if err := db.counters.flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	acme, err := db.Counters(ctx, ScopeTenant, "acme")
	if err != nil {
		t.Fatalf("Counters acme: %v", err)
	}
	if acme["ordersCreated"] != 1 {
		t.Fatalf("expected acme ordersCreated 1, got %v", acme)
	}
	empty, err := db.Counters(ctx, ScopeTenant, "")
	if err != nil {
		t.Fatalf("Counters generic: %v", err)
	}
	if empty["ordersCreated"] != 1 {
		t.Fatalf("expected generic ordersCreated 1, got %v", empty)
	}
}

func TestCounterDeleteDoesNotCount(t *testing.T) {
	db := newTestDB(t, counterTestConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	res, err := ops.Create(ctx, map[string]any{"status": "paid"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ops.Delete(ctx, res.ID, 0, nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := db.counters.flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	totals, err := db.Counters(ctx, ScopeMeta, "")
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if totals["paidOrders"] != 1 {
		t.Fatalf("delete must not move counters, got %v", totals)
	}
}

func TestLooseEqual(t *testing.T) {
	cases := []struct {
		a, b any
		want bool
	}{
		{"paid", "paid", true},
		{"paid", "open", false},
		{float64(10), 10, true},
		{int64(7), float64(7), true},
		{float64(7.5), 7, false},
		{true, true, true},
		{nil, nil, true},
		{"10", 10, false},
	}
	for _, tc := range cases {
		if got := looseEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("looseEqual(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCounterRollup(t *testing.T) {
	store, err := openMetaStore(filepath.Join(t.TempDir(), "counters.db"))
	if err != nil {
		t.Fatalf("openMetaStore: %v", err)
	}
	defer func() { _ = store.Close() }()

	cfg := Config{
		CounterRules: []CounterRule{
			{Name: "events", On: []EventType{EventCreate}, Scope: ScopeMeta},
		},
		Rollup: RollupConfig{Enabled: true},
		Logger: testLogger(),
	}
	engine := newCounterEngine(store, &cfg, nil)
	defer func() { _ = engine.Close() }()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		engine.observe(EventCreate, "", nil)
	}
	if err := engine.flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := engine.rollupPass(ctx); err != nil {
		t.Fatalf("rollupPass: %v", err)
	}

	var buckets, total int64
	err = store.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(value), 0) FROM counter_rollups WHERE granularity = 'day'`,
	).Scan(&buckets, &total)
	if err != nil {
		t.Fatalf("query rollups: %v", err)
	}
	if buckets != 1 || total != 3 {
		t.Fatalf("expected one day bucket totaling 3, got %d buckets / %d", buckets, total)
	}

	// Consumed events are compacted away.
	var remaining int64
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM counter_events`).Scan(&remaining); err != nil {
		t.Fatalf("query events: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected events consumed, %d remain", remaining)
	}
}
