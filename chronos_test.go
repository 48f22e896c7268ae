package chronos

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig builds a single-node local-storage configuration with one
// generic runtime database and one tenant database.
func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		MetaConns: []MetaConn{{Key: "m1", Dir: t.TempDir()}},
		LocalStorage: &LocalStorageConfig{
			Enabled:  true,
			BasePath: t.TempDir(),
		},
		Databases: Databases{
			Runtime: &Tier{
				Generic: &Target{Key: "rt-generic", DBName: "app"},
				Tenants: []Target{
					{Key: "rt-acme", ExtIdentifier: "acme", DBName: "app_acme"},
				},
			},
		},
		Collections: map[string]CollectionMap{
			"orders": {
				IndexedProps: []string{"status", "amount", "tags", "createdAt"},
				Validation:   CollectionValidation{RequiredIndexed: []string{"status"}},
			},
			"assets": {
				IndexedProps: []string{"name"},
				ContentProps: []string{"body"},
			},
		},
		Logger: testLogger(),
	}
}

func newTestDB(t *testing.T, cfg Config) *DB {
	t.Helper()
	db, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Admin().Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return db
}

func testOps(t *testing.T, db *DB, collection string) *Ops {
	t.Helper()
	ops, err := db.With(Ctx{Tier: TierRuntime, Collection: collection})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	return ops
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	_, err := Init(Config{})
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestWithRequiresCollection(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	if _, err := db.With(Ctx{Tier: TierRuntime}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestWithUnknownDatabase(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	if _, err := db.With(Ctx{Database: "nope", Collection: "orders"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := db.With(Ctx{Tier: TierRuntime, Tenant: "ghost", Collection: "orders"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown tenant, got %v", err)
	}
}

func TestTenantRoutingIsolation(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	generic := testOps(t, db, "orders")
	tenant, err := db.With(Ctx{Tier: TierRuntime, Tenant: "acme", Collection: "orders"})
	if err != nil {
		t.Fatalf("With tenant: %v", err)
	}

	res, err := generic.Create(context.Background(),
		map[string]any{"status": "open"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := tenant.GetLatest(context.Background(), res.ID, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("tenant database should not see generic item, got %v", err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	db, err := Init(testConfig(t))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := db.Admin().Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := db.Admin().Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestOperationsAfterShutdownFail(t *testing.T) {
	db, err := Init(testConfig(t))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	ops := testOps(t, db, "orders")
	if err := db.Admin().Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := db.With(Ctx{Tier: TierRuntime, Collection: "orders"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("With after shutdown: expected ErrClosed, got %v", err)
	}
	if _, err := ops.Create(context.Background(), map[string]any{"status": "open"}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Create after shutdown: expected ErrClosed, got %v", err)
	}
}

func TestHealthReportsOpenStores(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")
	if _, err := ops.Create(context.Background(), map[string]any{"status": "open"}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	st := db.Admin().Health(context.Background())
	if !st.Healthy {
		t.Fatalf("expected healthy status, got %+v", st)
	}
	if len(st.Meta) == 0 || len(st.Objects) == 0 {
		t.Fatalf("expected open stores in report, got %+v", st)
	}
}
