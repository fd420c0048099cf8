package bigcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/bankcache/driver"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	d, err := New(Config{LifeWindow: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	if err := d.Store(ctx, "minions", "web01", []byte("payload")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, ok, err := d.Fetch(ctx, "minions", "web01")
	if err != nil || !ok || string(got) != "payload" {
		t.Fatalf("Fetch: %q ok=%v err=%v", got, ok, err)
	}

	mt, ok, err := d.Updated(ctx, "minions", "web01")
	if err != nil || !ok || mt.IsZero() {
		t.Fatalf("Updated: %v ok=%v err=%v", mt, ok, err)
	}
}

func TestMissAndIndexReconcile(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	if _, ok, err := d.Fetch(ctx, "minions", "ghost"); ok || err != nil {
		t.Fatalf("miss: ok=%v err=%v", ok, err)
	}

	_ = d.Store(ctx, "b", "k", []byte("v"))
	// Simulate an independent eviction by deleting behind the index's back.
	if err := d.c.Delete(join("b", "k")); err != nil {
		t.Fatal(err)
	}
	if keys, _ := d.List(ctx, "b"); len(keys) != 0 {
		t.Fatalf("List reported evicted key: %v", keys)
	}
	if ok, _ := d.Contains(ctx, "b", "k"); ok {
		t.Fatal("Contains reported evicted key")
	}
}

func TestBankIsolationAndFlush(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	_ = d.Store(ctx, "bank1", "k", []byte("1"))
	_ = d.Store(ctx, "bank1/sub", "k", []byte("2"))
	_ = d.Store(ctx, "bank1", "j", []byte("3"))

	keys, _ := d.List(ctx, "bank1")
	if len(keys) != 2 || keys[0] != "j" || keys[1] != "k" {
		t.Fatalf("List = %v", keys)
	}

	if err := d.Flush(ctx, "bank1", ""); err != nil {
		t.Fatalf("Flush bank: %v", err)
	}
	if ok, _ := d.Contains(ctx, "bank1", ""); ok {
		t.Fatal("bank1 not flushed")
	}
	if got, ok, _ := d.Fetch(ctx, "bank1/sub", "k"); !ok || string(got) != "2" {
		t.Fatalf("nested bank disturbed: %q ok=%v", got, ok)
	}

	// Flushing what is already gone stays a no-op.
	if err := d.Flush(ctx, "bank1", "k"); err != nil {
		t.Fatalf("Flush absent: %v", err)
	}
}

func TestSeparatorInNamesRejected(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	// ("a\x1fb", "c") and ("a", "b\x1fc") would join to the same flat key;
	// both sides of the pair must be rejected, not stored.
	if err := d.Store(ctx, "a\x1fb", "c", []byte("one")); !errors.Is(err, driver.ErrInvalidKey) {
		t.Fatalf("Store with separator in bank: %v", err)
	}
	if err := d.Store(ctx, "a", "b\x1fc", []byte("two")); !errors.Is(err, driver.ErrInvalidKey) {
		t.Fatalf("Store with separator in key: %v", err)
	}

	// reads with separator-bearing names report absent, never an alias
	if err := d.Store(ctx, "a", "bc", []byte("legit")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok, err := d.Fetch(ctx, "a\x1fb", "c"); ok || err != nil {
		t.Fatalf("Fetch aliased bank: ok=%v err=%v", ok, err)
	}
	if _, ok, err := d.Fetch(ctx, "a", "b\x1fc"); ok || err != nil {
		t.Fatalf("Fetch aliased key: ok=%v err=%v", ok, err)
	}
	if ok, _ := d.Contains(ctx, "a\x1fb", "c"); ok {
		t.Fatal("Contains reported an aliased name")
	}
	if err := d.Flush(ctx, "a", "b\x1fc"); !errors.Is(err, driver.ErrInvalidKey) {
		t.Fatalf("Flush with separator in key: %v", err)
	}
	if got, ok, _ := d.Fetch(ctx, "a", "bc"); !ok || string(got) != "legit" {
		t.Fatalf("legit entry disturbed: %q ok=%v", got, ok)
	}
}
