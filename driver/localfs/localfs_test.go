package localfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/unkn0wn-root/bankcache/driver"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	d, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	data := []byte(`{"region":"eastus"}`)
	if err := d.Store(ctx, "cloud/metadata/azurearm/eastus", "vms", data); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, ok, err := d.Fetch(ctx, "cloud/metadata/azurearm/eastus", "vms")
	if err != nil || !ok {
		t.Fatalf("Fetch: ok=%v err=%v", ok, err)
	}
	if string(got) != string(data) {
		t.Fatalf("payload mismatch: %q", got)
	}

	if _, ok, _ := d.Updated(ctx, "cloud/metadata/azurearm/eastus", "vms"); !ok {
		t.Fatal("Updated: expected timestamp for present key")
	}
}

func TestFetchMiss(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	if v, ok, err := d.Fetch(ctx, "minions", "absent"); v != nil || ok || err != nil {
		t.Fatalf("expected normalized miss, got v=%v ok=%v err=%v", v, ok, err)
	}
	if _, ok, err := d.Updated(ctx, "minions", "absent"); ok || err != nil {
		t.Fatalf("Updated on absent key: ok=%v err=%v", ok, err)
	}
}

func TestListIsolation(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	mustStore(t, d, "minions", "web01", []byte("a"))
	mustStore(t, d, "minions", "db01", []byte("b"))
	mustStore(t, d, "minions/grains", "web01", []byte("c"))

	keys, err := d.List(ctx, "minions")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "db01" || keys[1] != "web01" {
		t.Fatalf("List = %v, want [db01 web01]", keys)
	}

	keys, err = d.List(ctx, "minions/grains")
	if err != nil || len(keys) != 1 || keys[0] != "web01" {
		t.Fatalf("nested bank list = %v err=%v", keys, err)
	}

	keys, err = d.List(ctx, "nosuchbank")
	if err != nil || len(keys) != 0 {
		t.Fatalf("absent bank list = %v err=%v", keys, err)
	}
}

func TestFlushIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	mustStore(t, d, "jobs", "20260826", []byte("ret"))
	mustStore(t, d, "jobs", "keepme", []byte("x"))

	if err := d.Flush(ctx, "jobs", "20260826"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := d.Flush(ctx, "jobs", "20260826"); err != nil {
		t.Fatalf("Flush twice: %v", err)
	}
	if ok, _ := d.Contains(ctx, "jobs", "keepme"); !ok {
		t.Fatal("Flush removed an unrelated key")
	}

	if err := d.Flush(ctx, "jobs", ""); err != nil {
		t.Fatalf("Flush bank: %v", err)
	}
	if ok, _ := d.Contains(ctx, "jobs", ""); ok {
		t.Fatal("bank still has keys after bank flush")
	}
	if err := d.Flush(ctx, "jobs", ""); err != nil {
		t.Fatalf("Flush absent bank: %v", err)
	}
}

// ==============================
// Containment
// ==============================

func TestContainment(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	d, err := New(Config{Root: filepath.Join(root, "cache")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outside := filepath.Join(root, "escape")
	if err := os.WriteFile(outside, []byte("sentinel"), 0o600); err != nil {
		t.Fatal(err)
	}

	// Writes with traversal names must fail loudly.
	if err := d.Store(ctx, "../../etc", "passwd", []byte("x")); !errors.Is(err, driver.ErrInvalidKey) {
		t.Fatalf("Store unsafe bank: err=%v", err)
	}
	if err := d.Store(ctx, "bank", "../escape", []byte("x")); !errors.Is(err, driver.ErrInvalidKey) {
		t.Fatalf("Store unsafe key: err=%v", err)
	}
	if err := d.Flush(ctx, "../..", ""); !errors.Is(err, driver.ErrInvalidKey) {
		t.Fatalf("Flush unsafe bank: err=%v", err)
	}

	// Reads with traversal names report absent instead of reaching outside.
	if _, ok, err := d.Fetch(ctx, "..", "escape"); ok || err != nil {
		t.Fatalf("Fetch unsafe: ok=%v err=%v", ok, err)
	}
	if keys, err := d.List(ctx, "../.."); err != nil || len(keys) != 0 {
		t.Fatalf("List unsafe: keys=%v err=%v", keys, err)
	}
	if ok, err := d.Contains(ctx, "bank", ".."); ok || err != nil {
		t.Fatalf("Contains unsafe: ok=%v err=%v", ok, err)
	}

	// Nothing outside the root was touched.
	b, err := os.ReadFile(outside)
	if err != nil || string(b) != "sentinel" {
		t.Fatalf("file outside root was modified: %q err=%v", b, err)
	}
}

func TestOverwrite(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	mustStore(t, d, "b", "k", []byte("v1"))
	mustStore(t, d, "b", "k", []byte("v2"))

	got, ok, err := d.Fetch(ctx, "b", "k")
	if err != nil || !ok || string(got) != "v2" {
		t.Fatalf("Fetch after overwrite: %q ok=%v err=%v", got, ok, err)
	}
}

func mustStore(t *testing.T, d *Driver, bank, key string, data []byte) {
	t.Helper()
	if err := d.Store(context.Background(), bank, key, data); err != nil {
		t.Fatalf("Store %s/%s: %v", bank, key, err)
	}
}
