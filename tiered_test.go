package bankcache

import (
	"context"
	"errors"
	"testing"
	"time"

	c "github.com/unkn0wn-root/bankcache/codec"
)

// recDriver wraps fakeDriver and records the operation order, for asserting
// tier write/flush ordering.
type recDriver struct {
	*fakeDriver
	ops []string
}

func (d *recDriver) Store(ctx context.Context, bank, key string, data []byte) error {
	d.ops = append(d.ops, "store:"+bank+"/"+key)
	return d.fakeDriver.Store(ctx, bank, key, data)
}

func (d *recDriver) Fetch(ctx context.Context, bank, key string) ([]byte, bool, error) {
	d.ops = append(d.ops, "fetch:"+bank+"/"+key)
	return d.fakeDriver.Fetch(ctx, bank, key)
}

func (d *recDriver) Flush(ctx context.Context, bank, key string) error {
	d.ops = append(d.ops, "flush:"+bank+"/"+key)
	return d.fakeDriver.Flush(ctx, bank, key)
}

func newTestTiered(t *testing.T, d *recDriver, mut func(*TieredOptions[vm])) *Tiered[vm] {
	t.Helper()
	opts := TieredOptions[vm]{
		Driver: d,
		Codec:  c.JSON[vm]{},
	}
	if mut != nil {
		mut(&opts)
	}
	tc, err := NewTiered[vm](opts)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	return tc
}

func TestTieredStoreWritesL2First(t *testing.T) {
	ctx := context.Background()
	d := &recDriver{fakeDriver: newFakeDriver()}
	tc := newTestTiered(t, d, nil)

	if err := tc.Store(ctx, "vms", "i-1", vm{ID: "i-1", Name: "web"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(d.ops) != 1 || d.ops[0] != "store:vms/i-1" {
		t.Fatalf("L2 ops: %v", d.ops)
	}
	if !tc.l1.Contains("vms", "i-1") {
		t.Fatal("L1 should hold the entry after Store")
	}

	// an L2 failure must leave L1 untouched
	d.storeErr = errors.New("backend down")
	if err := tc.Store(ctx, "vms", "i-2", vm{ID: "i-2"}); err == nil {
		t.Fatal("expected L2 store error")
	}
	if tc.l1.Contains("vms", "i-2") {
		t.Fatal("L1 must not hold an entry L2 rejected")
	}
}

func TestTieredFetchNoPromotion(t *testing.T) {
	ctx := context.Background()
	d := &recDriver{fakeDriver: newFakeDriver()}
	tc := newTestTiered(t, d, nil)

	// entry exists only in L2 (written by "another process")
	other := newTestTiered(t, d, nil)
	if err := other.Store(ctx, "vms", "i-1", vm{ID: "i-1", Name: "web"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	v, ok, err := tc.Fetch(ctx, "vms", "i-1")
	if err != nil || !ok || v.Name != "web" {
		t.Fatalf("Fetch via L2: %+v ok=%v err=%v", v, ok, err)
	}
	if tc.l1.Contains("vms", "i-1") {
		t.Fatal("L2 hit must not be promoted into L1")
	}

	// a second Fetch pays L2 again
	before := len(d.ops)
	if _, ok, _ := tc.Fetch(ctx, "vms", "i-1"); !ok {
		t.Fatal("second Fetch should still hit L2")
	}
	if len(d.ops) == before {
		t.Fatal("second Fetch should have gone to L2")
	}
}

func TestTieredLoadL1FreshSkipsL2(t *testing.T) {
	ctx := context.Background()
	d := &recDriver{fakeDriver: newFakeDriver()}
	tc := newTestTiered(t, d, nil)

	if err := tc.Store(ctx, "vms", "i-1", vm{ID: "i-1", Name: "web"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	before := len(d.ops)

	v, ok, err := tc.Load(ctx, "vms", "i-1", func(context.Context, Item[vm]) (Item[vm], error) {
		t.Fatal("loader must not run on a fresh L1 hit")
		return Item[vm]{}, nil
	})
	if err != nil || !ok || v.Name != "web" {
		t.Fatalf("Load: %+v ok=%v err=%v", v, ok, err)
	}
	if len(d.ops) != before {
		t.Fatalf("fresh L1 hit touched L2: %v", d.ops[before:])
	}
}

func TestTieredLoadUsesFresherL2(t *testing.T) {
	ctx := context.Background()
	d := &recDriver{fakeDriver: newFakeDriver()}
	tc := newTestTiered(t, d, func(o *TieredOptions[vm]) { o.Expire = time.Minute })

	// stale L1 copy
	old := NewItem(vm{ID: "i-1", Name: "old"})
	old.Mtime = old.Mtime.Add(-time.Hour)
	tc.l1.StoreItem("vms", "i-1", old)

	// fresher entry in L2, written by another process
	other := newTestTiered(t, d, nil)
	if err := other.Store(ctx, "vms", "i-1", vm{ID: "i-1", Name: "new"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	v, ok, err := tc.Load(ctx, "vms", "i-1", func(context.Context, Item[vm]) (Item[vm], error) {
		t.Fatal("loader must not run when L2 is fresher")
		return Item[vm]{}, nil
	})
	if err != nil || !ok || v.Name != "new" {
		t.Fatalf("Load via fresher L2: %+v ok=%v err=%v", v, ok, err)
	}
}

func TestTieredLoadRunsLoaderAndStoresBothTiers(t *testing.T) {
	ctx := context.Background()
	d := &recDriver{fakeDriver: newFakeDriver()}
	tc := newTestTiered(t, d, nil)

	v, ok, err := tc.Load(ctx, "vms", "i-1", func(context.Context, Item[vm]) (Item[vm], error) {
		return NewItem(vm{ID: "i-1", Name: "web"}), nil
	})
	if err != nil || !ok || v.Name != "web" {
		t.Fatalf("Load: %+v ok=%v err=%v", v, ok, err)
	}
	if hit, _ := d.Contains(ctx, "vms", "i-1"); !hit {
		t.Fatal("loader result should land in L2")
	}
	if !tc.l1.Contains("vms", "i-1") {
		t.Fatal("loader result should land in L1")
	}
}

func TestTieredLoadFailSoft(t *testing.T) {
	ctx := context.Background()
	d := &recDriver{fakeDriver: newFakeDriver()}
	tc := newTestTiered(t, d, func(o *TieredOptions[vm]) { o.Expire = time.Minute })

	old := NewItem(vm{ID: "i-1", Name: "stale"})
	old.Mtime = old.Mtime.Add(-time.Hour)
	tc.l1.StoreItem("vms", "i-1", old)

	v, ok, err := tc.Load(ctx, "vms", "i-1", func(context.Context, Item[vm]) (Item[vm], error) {
		return Item[vm]{}, errors.New("upstream down")
	})
	if err != nil || !ok || v.Name != "stale" {
		t.Fatalf("fail-soft: %+v ok=%v err=%v", v, ok, err)
	}
}

func TestTieredContainsAndFlush(t *testing.T) {
	ctx := context.Background()
	d := &recDriver{fakeDriver: newFakeDriver()}
	tc := newTestTiered(t, d, nil)

	// L1-only entry: Contains still finds it after L2 says no
	tc.l1.Store("vms", "local", vm{ID: "local"})
	ok, err := tc.Contains(ctx, "vms", "local")
	if err != nil || !ok {
		t.Fatalf("Contains L1-only: ok=%v err=%v", ok, err)
	}

	if err := tc.Store(ctx, "vms", "i-1", vm{ID: "i-1"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	d.ops = nil
	if err := tc.Flush(ctx, "vms", "i-1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(d.ops) != 1 || d.ops[0] != "flush:vms/i-1" {
		t.Fatalf("flush should hit L2 first: %v", d.ops)
	}
	if tc.l1.Contains("vms", "i-1") {
		t.Fatal("Flush should clear L1 too")
	}

	// whole-bank flush clears both tiers
	if err := tc.Store(ctx, "vms", "i-2", vm{ID: "i-2"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := tc.Flush(ctx, "vms", ""); err != nil {
		t.Fatalf("Flush bank: %v", err)
	}
	if hit, _ := d.Contains(ctx, "vms", ""); hit {
		t.Fatal("bank should be empty in L2")
	}
	if tc.l1.Contains("vms", "") {
		t.Fatal("bank should be empty in L1")
	}
}
