package memory

import (
	"context"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := New(Config{})
	t.Cleanup(func() { _ = d.Close(ctx) })

	if err := d.Store(ctx, "minions", "web01", []byte("grains")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, ok, err := d.Fetch(ctx, "minions", "web01")
	if err != nil || !ok || string(got) != "grains" {
		t.Fatalf("Fetch: %q ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := d.Updated(ctx, "minions", "web01"); !ok {
		t.Fatal("Updated: expected timestamp")
	}
}

func TestFetchCopiesData(t *testing.T) {
	ctx := context.Background()
	d := New(Config{})
	t.Cleanup(func() { _ = d.Close(ctx) })

	src := []byte("original")
	if err := d.Store(ctx, "b", "k", src); err != nil {
		t.Fatal(err)
	}
	src[0] = 'X' // caller mutation must not leak in

	got, _, _ := d.Fetch(ctx, "b", "k")
	if string(got) != "original" {
		t.Fatalf("stored data aliased caller slice: %q", got)
	}
	got[0] = 'Y' // returned slice mutation must not leak back
	again, _, _ := d.Fetch(ctx, "b", "k")
	if string(again) != "original" {
		t.Fatalf("fetched data aliased internal slice: %q", again)
	}
}

func TestBankIsolation(t *testing.T) {
	ctx := context.Background()
	d := New(Config{})
	t.Cleanup(func() { _ = d.Close(ctx) })

	_ = d.Store(ctx, "minions", "a", []byte("1"))
	_ = d.Store(ctx, "minions/grains", "b", []byte("2"))

	keys, err := d.List(ctx, "minions")
	if err != nil || len(keys) != 1 || keys[0] != "a" {
		t.Fatalf("List = %v err=%v", keys, err)
	}
}

func TestFlushSemantics(t *testing.T) {
	ctx := context.Background()
	d := New(Config{})
	t.Cleanup(func() { _ = d.Close(ctx) })

	_ = d.Store(ctx, "b", "k1", []byte("1"))
	_ = d.Store(ctx, "b", "k2", []byte("2"))

	if err := d.Flush(ctx, "b", "absent"); err != nil {
		t.Fatalf("Flush absent key: %v", err)
	}
	if err := d.Flush(ctx, "b", "k1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if ok, _ := d.Contains(ctx, "b", "k2"); !ok {
		t.Fatal("unrelated key removed")
	}
	if err := d.Flush(ctx, "b", ""); err != nil {
		t.Fatalf("Flush bank: %v", err)
	}
	if ok, _ := d.Contains(ctx, "b", ""); ok {
		t.Fatal("bank not empty after flush")
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	d := New(Config{Expire: 50 * time.Millisecond})
	t.Cleanup(func() { _ = d.Close(ctx) })

	_ = d.Store(ctx, "b", "k", []byte("v"))
	if _, ok, _ := d.Fetch(ctx, "b", "k"); !ok {
		t.Fatal("fresh entry missing")
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok, _ := d.Fetch(ctx, "b", "k"); ok {
		t.Fatal("expired entry still visible")
	}
	if keys, _ := d.List(ctx, "b"); len(keys) != 0 {
		t.Fatalf("expired entry listed: %v", keys)
	}
}

func TestJanitorSweep(t *testing.T) {
	ctx := context.Background()
	d := New(Config{Expire: 30 * time.Millisecond, CleanupInterval: 20 * time.Millisecond})
	t.Cleanup(func() { _ = d.Close(ctx) })

	_ = d.Store(ctx, "b", "k", []byte("v"))
	time.Sleep(120 * time.Millisecond)

	d.mu.RLock()
	_, present := d.banks["b"]
	d.mu.RUnlock()
	if present {
		t.Fatal("janitor did not sweep expired bank")
	}
}
