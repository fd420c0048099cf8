package keycache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/unkn0wn-root/bankcache/driver"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresDir(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	pub := []byte("ssh-rsa AAAA... agent-1")
	if err := c.Store(ctx, "agent-1", Record{State: Pending, Pub: pub}); err != nil {
		t.Fatalf("Store pending: %v", err)
	}

	rec, ok, err := c.Fetch(ctx, "agent-1")
	if err != nil || !ok {
		t.Fatalf("Fetch: ok=%v err=%v", ok, err)
	}
	if rec.State != Pending || string(rec.Pub) != string(pub) {
		t.Fatalf("Fetch: %+v", rec)
	}

	// pending -> accepted moves the file between state dirs
	if err := c.Store(ctx, "agent-1", Record{State: Accepted, Pub: pub}); err != nil {
		t.Fatalf("Store accepted: %v", err)
	}
	rec, ok, err = c.Fetch(ctx, "agent-1")
	if err != nil || !ok || rec.State != Accepted {
		t.Fatalf("Fetch after accept: %+v ok=%v err=%v", rec, ok, err)
	}
	if _, err := os.Stat(filepath.Join(c.Dir(), dirPending, "agent-1")); !os.IsNotExist(err) {
		t.Fatal("pending file should be gone after acceptance")
	}
	if _, err := os.Stat(filepath.Join(c.Dir(), dirAccepted, "agent-1")); err != nil {
		t.Fatalf("accepted file missing: %v", err)
	}

	if _, ok, err := c.Updated(ctx, "agent-1"); err != nil || !ok {
		t.Fatalf("Updated: ok=%v err=%v", ok, err)
	}

	if err := c.Flush(ctx, "agent-1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok, _ := c.Fetch(ctx, "agent-1"); ok {
		t.Fatal("flushed id should be absent")
	}
}

func TestFetchPrecedence(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	// plant the same id in two dirs directly, as external tooling might
	for _, dir := range []string{dirPending, dirAccepted} {
		if err := os.MkdirAll(filepath.Join(c.Dir(), dir), 0o700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(c.Dir(), dir, "agent-1"), []byte(dir), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	rec, ok, err := c.Fetch(ctx, "agent-1")
	if err != nil || !ok {
		t.Fatalf("Fetch: ok=%v err=%v", ok, err)
	}
	if rec.State != Accepted {
		t.Fatalf("accepted should win precedence, got %v", rec.State)
	}
}

func TestDenylistIndependent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	pub := []byte("ssh-rsa AAAA... agent-1")
	if err := c.Store(ctx, "agent-1", Record{State: Accepted, Pub: pub}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.StoreDenied(ctx, "agent-1", []string{"key-a", "key-b"}); err != nil {
		t.Fatalf("StoreDenied: %v", err)
	}

	// denylist writes do not alter lifecycle state
	rec, ok, _ := c.Fetch(ctx, "agent-1")
	if !ok || rec.State != Accepted {
		t.Fatalf("state changed by denylist write: %+v", rec)
	}

	pubs, ok, err := c.FetchDenied(ctx, "agent-1")
	if err != nil || !ok {
		t.Fatalf("FetchDenied: ok=%v err=%v", ok, err)
	}
	if len(pubs) != 2 || pubs[0] != "key-a" || pubs[1] != "key-b" {
		t.Fatalf("FetchDenied: %v", pubs)
	}

	// raw file is newline-joined for external tooling
	raw, err := os.ReadFile(filepath.Join(c.Dir(), dirDenied, "agent-1"))
	if err != nil {
		t.Fatalf("read denied file: %v", err)
	}
	if string(raw) != "key-a\nkey-b" {
		t.Fatalf("denied file layout: %q", raw)
	}

	if err := c.FlushDenied(ctx, "agent-1"); err != nil {
		t.Fatalf("FlushDenied: %v", err)
	}
	if _, ok, _ := c.FetchDenied(ctx, "agent-1"); ok {
		t.Fatal("denylist entry should be gone")
	}
	// lifecycle entry untouched
	if ok, _ := c.Contains(ctx, "agent-1"); !ok {
		t.Fatal("FlushDenied must not touch lifecycle state")
	}
}

func TestListAndListAll(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	seed := map[string]State{
		"a": Pending,
		"b": Pending,
		"c": Accepted,
		"d": Rejected,
	}
	for id, st := range seed {
		if err := c.Store(ctx, id, Record{State: st, Pub: []byte(id)}); err != nil {
			t.Fatalf("Store %s: %v", id, err)
		}
	}

	pending, err := c.List(ctx, Pending)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 2 || pending[0] != "a" || pending[1] != "b" {
		t.Fatalf("List pending: %v", pending)
	}

	all, err := c.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all[Accepted]) != 1 || all[Accepted][0] != "c" {
		t.Fatalf("ListAll accepted: %v", all[Accepted])
	}
	if len(all[Rejected]) != 1 || all[Rejected][0] != "d" {
		t.Fatalf("ListAll rejected: %v", all[Rejected])
	}

	if _, err := c.List(ctx, State("bogus")); !errors.Is(err, ErrUnknownState) {
		t.Fatalf("List bogus state: %v", err)
	}
}

func TestReservedAndUnsafeIDs(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	if err := c.Store(ctx, ".key_cache", Record{State: Pending}); !errors.Is(err, ErrReservedKey) {
		t.Fatalf("reserved id: %v", err)
	}
	if _, _, err := c.Fetch(ctx, ".key_cache"); !errors.Is(err, ErrReservedKey) {
		t.Fatalf("reserved id on fetch: %v", err)
	}

	for _, id := range []string{"../evil", "a/b", "", ".."} {
		if err := c.Store(ctx, id, Record{State: Pending, Pub: []byte("x")}); !errors.Is(err, driver.ErrInvalidKey) {
			t.Fatalf("unsafe id %q: %v", id, err)
		}
	}

	if err := c.Store(ctx, "agent-1", Record{State: State("frozen")}); !errors.Is(err, ErrUnknownState) {
		t.Fatalf("unknown state: %v", err)
	}
}
