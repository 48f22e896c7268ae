package chronos

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLocalStoreRoundtrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "json", "db/col/id/v0.json", []byte("blob")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := store.Get(ctx, "json", "db/col/id/v0.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(data, []byte("blob")) {
		t.Fatalf("roundtrip mismatch: %q", data)
	}

	ok, err := store.Head(ctx, "json", "db/col/id/v0.json")
	if err != nil || !ok {
		t.Fatalf("Head: %v %v", ok, err)
	}
	ok, err = store.Head(ctx, "json", "missing")
	if err != nil || ok {
		t.Fatalf("Head missing: %v %v", ok, err)
	}

	if _, err := store.Get(ctx, "json", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStoreList(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{
		"app/orders/a/v0.json",
		"app/orders/a/v1.json",
		"app/orders/b/v0.json",
		"app/invoices/c/v0.json",
	} {
		if err := store.Put(ctx, "json", key, []byte("x")); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "json", "app/orders/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %v", keys)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i] < keys[i-1] {
			t.Fatalf("listing not sorted: %v", keys)
		}
	}

	keys, err = store.List(ctx, "json", "nope/")
	if err != nil {
		t.Fatalf("List empty prefix: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected empty listing, got %v", keys)
	}
}

func TestLocalStoreDeleteIsIdempotent(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "json", "k", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, "json", "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "json", "k"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestLocalStorePresign(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "content", "db/col/id/v0/body", []byte("text")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	url, err := store.Presign(ctx, "content", "db/col/id/v0/body", time.Minute)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Fatalf("expected file URL, got %s", url)
	}
	if !strings.HasSuffix(url, "db/col/id/v0/body") {
		t.Fatalf("URL does not point at the key: %s", url)
	}
}

func TestLocalStoreIgnoresTempFiles(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "json", "a/real.json", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Simulate a crashed write.
	if err := store.Put(ctx, "json", "a/partial.json.tmp", []byte("y")); err != nil {
		t.Fatalf("Put tmp: %v", err)
	}

	keys, err := store.List(ctx, "json", "a/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a/real.json" {
		t.Fatalf("temp file leaked into listing: %v", keys)
	}
}
