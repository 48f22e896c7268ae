package chronos

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestCreateAndGetLatest(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	item := map[string]any{
		"status": "open",
		"amount": float64(42),
		"lines":  []any{map[string]any{"sku": "a-1", "qty": float64(2)}},
	}
	res, err := ops.Create(ctx, item, &WriteOptions{Actor: "tester", Reason: "seed"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.OV != 0 {
		t.Fatalf("expected ov 0 on create, got %d", res.OV)
	}
	if res.ID == "" {
		t.Fatal("expected generated id")
	}

	view, err := ops.GetLatest(ctx, res.ID, nil)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if !reflect.DeepEqual(view.Item, item) {
		t.Fatalf("payload mismatch:\n got %#v\nwant %#v", view.Item, item)
	}
	if view.Meta.OV != 0 {
		t.Fatalf("expected meta ov 0, got %d", view.Meta.OV)
	}
	if view.Meta.MetaIndexed["status"] != "open" {
		t.Fatalf("expected indexed status, got %#v", view.Meta.MetaIndexed)
	}
}

func TestCreateWithExplicitID(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")

	res, err := ops.Create(context.Background(),
		map[string]any{"status": "open"}, &WriteOptions{ID: "order-7"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.ID != "order-7" {
		t.Fatalf("expected explicit id, got %s", res.ID)
	}
}

func TestCreateValidatesRequiredIndexed(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")

	_, err := ops.Create(context.Background(), map[string]any{"amount": float64(1)}, nil)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "status" {
		t.Fatalf("expected validation error naming status, got %v", err)
	}
}

func TestUpdateAdvancesGaplessly(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	res, err := ops.Create(ctx, map[string]any{"status": "open"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for want := int64(1); want <= 5; want++ {
		res, err = ops.Update(ctx, res.ID,
			map[string]any{"status": "open", "rev": want}, res.OV, nil)
		if err != nil {
			t.Fatalf("Update to ov %d: %v", want, err)
		}
		if res.OV != want {
			t.Fatalf("expected ov %d, got %d", want, res.OV)
		}
	}

	// Every version must be individually readable.
	for ov := int64(0); ov <= 5; ov++ {
		if _, err := ops.GetVersion(ctx, res.ID, ov, nil); err != nil {
			t.Fatalf("GetVersion %d: %v", ov, err)
		}
	}
}

func TestStaleUpdateConflicts(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	res, err := ops.Create(ctx, map[string]any{"status": "open"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ops.Update(ctx, res.ID, map[string]any{"status": "paid"}, 0, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, err = ops.Update(ctx, res.ID, map[string]any{"status": "void"}, 0, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if ce.Expected != 0 || ce.Actual != 1 {
		t.Fatalf("conflict detail mismatch: %+v", ce)
	}
}

func TestCollectionVersionAdvancesPerWrite(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	a, err := ops.Create(ctx, map[string]any{"status": "open"}, nil)
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := ops.Create(ctx, map[string]any{"status": "open"}, nil)
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	if b.CV != a.CV+1 {
		t.Fatalf("expected cv to advance from %d to %d, got %d", a.CV, a.CV+1, b.CV)
	}
}

func TestEnrichDeepMerges(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	res, err := ops.Create(ctx, map[string]any{
		"status": "open",
		"ship":   map[string]any{"city": "Oslo", "zip": "0150"},
	}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	enriched, err := ops.Enrich(ctx, res.ID, map[string]any{
		"ship": map[string]any{"zip": "0155"},
		"note": "rush",
	}, nil)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if enriched.OV != 1 {
		t.Fatalf("expected ov 1, got %d", enriched.OV)
	}

	view, err := ops.GetLatest(ctx, res.ID, nil)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	ship := view.Item["ship"].(map[string]any)
	if ship["city"] != "Oslo" || ship["zip"] != "0155" {
		t.Fatalf("nested merge broke: %#v", ship)
	}
	if view.Item["note"] != "rush" {
		t.Fatalf("expected merged note, got %#v", view.Item)
	}
}

func TestDeleteLeavesReadableHistory(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	res, err := ops.Create(ctx, map[string]any{"status": "open"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	del, err := ops.Delete(ctx, res.ID, res.OV, nil)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if del.OV != 1 {
		t.Fatalf("expected tombstone at ov 1, got %d", del.OV)
	}

	latest, err := ops.GetLatest(ctx, res.ID, nil)
	if err != nil {
		t.Fatalf("GetLatest on deleted item: %v", err)
	}
	if latest.Meta.DeletedAt == nil {
		t.Fatal("expected DeletedAt on tombstoned item")
	}
	if latest.Item != nil {
		t.Fatalf("expected nil payload on tombstone view, got %#v", latest.Item)
	}

	// Pre-deletion versions stay readable.
	v0, err := ops.GetVersion(ctx, res.ID, 0, nil)
	if err != nil {
		t.Fatalf("GetVersion 0: %v", err)
	}
	if v0.Item["status"] != "open" {
		t.Fatalf("history payload mismatch: %#v", v0.Item)
	}
}

func TestRestoreRevivesDeletedItem(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	res, err := ops.Create(ctx, map[string]any{"status": "open", "amount": float64(9)}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ops.Delete(ctx, res.ID, 0, nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	restored, err := ops.Restore(ctx, res.ID, 0, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.OV != 2 {
		t.Fatalf("expected restore at ov 2, got %d", restored.OV)
	}

	view, err := ops.GetLatest(ctx, res.ID, nil)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if view.Meta.DeletedAt != nil {
		t.Fatal("restored item should not be marked deleted")
	}
	if view.Item["amount"] != float64(9) {
		t.Fatalf("restored payload mismatch: %#v", view.Item)
	}
}

func TestRestoreRejectsTombstoneTarget(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	res, err := ops.Create(ctx, map[string]any{"status": "open"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ops.Delete(ctx, res.ID, 0, nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := ops.Restore(ctx, res.ID, 1, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation restoring a tombstone, got %v", err)
	}
}

func TestGetAsOf(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	res, err := ops.Create(ctx, map[string]any{"status": "open"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	afterCreate := time.Now()
	time.Sleep(5 * time.Millisecond)
	if _, err := ops.Update(ctx, res.ID, map[string]any{"status": "paid"}, 0, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	view, err := ops.GetAsOf(ctx, res.ID, afterCreate, nil)
	if err != nil {
		t.Fatalf("GetAsOf: %v", err)
	}
	if view.Meta.OV != 0 || view.Item["status"] != "open" {
		t.Fatalf("expected the ov 0 snapshot, got ov %d item %#v", view.Meta.OV, view.Item)
	}

	if _, err := ops.GetAsOf(ctx, res.ID, afterCreate.Add(-time.Hour), nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before the item existed, got %v", err)
	}
}

func TestContentPropsExternalized(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "assets")
	ctx := context.Background()

	res, err := ops.Create(ctx, map[string]any{
		"name": "manual",
		"body": "a long markdown document",
	}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	plain, err := ops.GetLatest(ctx, res.ID, nil)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if _, ok := plain.Item["body"]; ok {
		t.Fatalf("content prop should not be inline: %#v", plain.Item)
	}

	signed, err := ops.GetLatest(ctx, res.ID, &ReadOptions{Presign: true, TTLSeconds: 60})
	if err != nil {
		t.Fatalf("GetLatest presigned: %v", err)
	}
	prop, ok := signed.Presigned["body"]
	if !ok {
		t.Fatalf("expected presigned body prop, got %#v", signed.Presigned)
	}
	if !strings.HasPrefix(prop.BlobURL, "file://") {
		t.Fatalf("expected file URL from local storage, got %s", prop.BlobURL)
	}
	if prop.ExpiresIn != 60 {
		t.Fatalf("expected ttl 60, got %d", prop.ExpiresIn)
	}
}

func TestReadProjection(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	res, err := ops.Create(ctx, map[string]any{
		"status": "open",
		"amount": float64(5),
		"ship":   map[string]any{"city": "Oslo", "zip": "0150"},
	}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	view, err := ops.GetLatest(ctx, res.ID, &ReadOptions{Projection: []string{"status", "ship.city"}})
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	want := map[string]any{
		"status": "open",
		"ship":   map[string]any{"city": "Oslo"},
	}
	if !reflect.DeepEqual(view.Item, want) {
		t.Fatalf("projection mismatch:\n got %#v\nwant %#v", view.Item, want)
	}
}

func TestDeepMerge(t *testing.T) {
	base := map[string]any{
		"a": map[string]any{"x": 1, "y": 2},
		"b": []any{1, 2},
		"c": "keep",
	}
	patch := map[string]any{
		"a": map[string]any{"y": 3, "z": 4},
		"b": []any{9},
	}
	got := deepMerge(base, patch)
	want := map[string]any{
		"a": map[string]any{"x": 1, "y": 3, "z": 4},
		"b": []any{9},
		"c": "keep",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merge mismatch:\n got %#v\nwant %#v", got, want)
	}
	if base["a"].(map[string]any)["y"] != 2 {
		t.Fatal("merge mutated its input")
	}
}
