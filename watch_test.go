package chronos

import (
	"context"
	"testing"
	"time"
)

func collectEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubDeliversMatchingEvents(t *testing.T) {
	h := newHub(WatchConfig{}, testLogger())
	defer h.Close()

	all := h.Subscribe("", "")
	scoped := h.Subscribe("app", "orders")
	other := h.Subscribe("app", "invoices")

	h.Publish(Event{Type: EventCreate, Database: "app", Collection: "orders", ID: "x", OV: 0})

	ev := collectEvent(t, all)
	if ev.ID != "x" {
		t.Fatalf("wildcard subscriber got %+v", ev)
	}
	ev = collectEvent(t, scoped)
	if ev.Collection != "orders" {
		t.Fatalf("scoped subscriber got %+v", ev)
	}
	select {
	case ev := <-other.C():
		t.Fatalf("mismatched subscriber received %+v", ev)
	default:
	}
}

func TestHubSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	h := newHub(WatchConfig{BufferSize: 2}, testLogger())
	defer h.Close()

	sub := h.Subscribe("", "")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			h.Publish(Event{Type: EventUpdate, ID: "x", OV: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
	if n := len(sub.ch); n != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", n)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := newHub(WatchConfig{}, testLogger())
	defer h.Close()

	sub := h.Subscribe("", "")
	h.Unsubscribe(sub.ID)

	// Closed channel: receive must not hang.
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed subscription channel")
	}

	// Publishing after unsubscribe is a no-op, not a panic.
	h.Publish(Event{Type: EventCreate, ID: "x"})
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := newHub(WatchConfig{}, testLogger())
	defer h.Close()

	sub := h.Subscribe("", "")
	sub.Close()
	sub.Close()
}

func TestWritesPublishEvents(t *testing.T) {
	db := newTestDB(t, testConfig(t))
	ops := testOps(t, db, "orders")
	ctx := context.Background()

	sub := db.Watch().Subscribe("app", "orders")
	defer sub.Close()

	res, err := ops.Create(ctx, map[string]any{"status": "open"}, &WriteOptions{Actor: "svc"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ev := collectEvent(t, sub)
	if ev.Type != EventCreate || ev.ID != res.ID || ev.OV != 0 || ev.Actor != "svc" {
		t.Fatalf("create event mismatch: %+v", ev)
	}

	if _, err := ops.Delete(ctx, res.ID, 0, nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ev = collectEvent(t, sub)
	if ev.Type != EventDelete || ev.OV != 1 {
		t.Fatalf("delete event mismatch: %+v", ev)
	}
}
