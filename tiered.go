package bankcache

import (
	"context"
	"fmt"
	"time"

	c "github.com/unkn0wn-root/bankcache/codec"
	dr "github.com/unkn0wn-root/bankcache/driver"
)

// TieredOptions tune a Tiered cache. Driver and Codec are required.
type TieredOptions[V any] struct {
	// Required: the shared L2 tier and its codec.
	Driver dr.Driver
	Codec  c.Codec[V]

	Logger Logger
	Hooks  Hooks

	// Expire is the default staleness window for Load. 0 => 24h.
	Expire time.Duration

	// MaxEntries bounds the L1 tier. 0 => 1024.
	MaxEntries int

	// CloseDriver makes Close also close the driver.
	CloseDriver bool
}

// Tiered layers a private MemCache (L1) over a shared driver (L2). Writes go
// to L2 first so a crash between the two writes leaves the durable tier
// current; reads try L1 first and fall back to L2 without promoting the
// result into L1, so every L1 miss re-pays the L2 cost.
type Tiered[V any] struct {
	l1    *MemCache[V]
	l2    dr.Driver
	codec c.Codec[V]

	log      Logger
	hooks    Hooks
	expire   time.Duration
	closeDrv bool
}

func NewTiered[V any](opts TieredOptions[V]) (*Tiered[V], error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("bankcache: driver is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("bankcache: codec is required")
	}

	log := coalesce[Logger](opts.Logger, NopLogger{})
	hooks := coalesce[Hooks](opts.Hooks, NopHooks{})
	expire := coalesce[time.Duration](opts.Expire, DefaultExpire)

	return &Tiered[V]{
		l1: newMem[V](MemOptions{
			Logger:     log,
			Hooks:      hooks,
			Expire:     expire,
			MaxEntries: opts.MaxEntries,
		}),
		l2:       opts.Driver,
		codec:    opts.Codec,
		log:      log,
		hooks:    hooks,
		expire:   expire,
		closeDrv: opts.CloseDriver,
	}, nil
}

// Store writes to L2 first, then L1. An L2 failure leaves L1 untouched.
func (t *Tiered[V]) Store(ctx context.Context, bank, key string, v V) error {
	payload, err := t.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("bankcache: encode %s/%s: %w", bank, key, err)
	}
	if err := t.l2.Store(ctx, bank, key, payload); err != nil {
		return err
	}
	t.l1.Store(bank, key, v)
	return nil
}

// Fetch tries L1, then L2. L2 hits are not promoted into L1.
func (t *Tiered[V]) Fetch(ctx context.Context, bank, key string) (V, bool, error) {
	if v, ok := t.l1.Fetch(bank, key); ok {
		return v, true, nil
	}
	return t.fetchL2(ctx, bank, key)
}

func (t *Tiered[V]) fetchL2(ctx context.Context, bank, key string) (V, bool, error) {
	var zero V
	raw, ok, err := t.l2.Fetch(ctx, bank, key)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := t.codec.Decode(raw)
	if err != nil {
		_ = t.l2.Flush(ctx, bank, key)
		t.hooks.SelfHeal(bank, key, "value_decode")
		t.log.Warn("flushed undecodable entry", Fields{"bank": bank, "key": key, "err": err})
		return zero, false, nil
	}
	return v, true, nil
}

// Load is the refresh-ahead read over both tiers. While the L1 item is fresh
// it is returned as-is. On refresh, L2 is consulted first: when it holds a
// fresher entry that is itself within the window, that entry is returned
// instead of running fn (still without L1 promotion). Otherwise fn runs and
// its result is stored L2-first. Loader failures fail soft: the previous
// data, stale or not, is returned when any tier has it.
func (t *Tiered[V]) Load(ctx context.Context, bank, key string, fn ItemLoaderFunc[V], opts ...LoadOption) (V, bool, error) {
	var zero V

	lo := loadOpts{}
	for _, o := range opts {
		o(&lo)
	}

	prev, _ := t.l1.FetchItem(bank, key)

	ttl := lo.expire
	if ttl == 0 {
		ttl = prev.TTL
	}
	if ttl == 0 {
		ttl = t.expire
	}

	if prev.Data != nil && time.Since(prev.Mtime) <= ttl {
		return *prev.Data, true, nil
	}

	// L2 may have been refreshed by another process since our L1 copy went
	// stale. Use it when it is both newer than L1 and still within the
	// window.
	l2mt, l2ok, err := t.l2.Updated(ctx, bank, key)
	if err != nil {
		return zero, false, err
	}
	if l2ok && l2mt.After(prev.Mtime) && time.Since(l2mt) <= ttl {
		if v, ok, err := t.fetchL2(ctx, bank, key); err != nil {
			return zero, false, err
		} else if ok {
			return v, true, nil
		}
	}

	reason := "expired"
	if prev.Data == nil {
		reason = "miss"
	}
	t.hooks.Refresh(bank, key, reason)

	next, err := fn(ctx, prev)
	if err != nil {
		t.hooks.LoaderError(bank, key, err)
		t.log.Warn("loader failed, keeping previous data", Fields{"bank": bank, "key": key, "err": err})
		if prev.Data != nil {
			return *prev.Data, true, nil
		}
		if v, ok, ferr := t.fetchL2(ctx, bank, key); ferr == nil && ok {
			return v, true, nil
		}
		return zero, false, nil
	}

	if next.Data == nil {
		if err := t.Flush(ctx, bank, key); err != nil {
			return zero, false, err
		}
		t.hooks.Tombstone(bank, key)
		return zero, false, nil
	}

	if err := t.Store(ctx, bank, key, *next.Data); err != nil {
		return zero, false, err
	}
	return *next.Data, true, nil
}

// List reports L2, the authoritative inventory.
func (t *Tiered[V]) List(ctx context.Context, bank string) ([]string, error) {
	return t.l2.List(ctx, bank)
}

// Contains asks L2 first, then L1: a key written moments ago by this process
// may exist only in L1 briefly.
func (t *Tiered[V]) Contains(ctx context.Context, bank, key string) (bool, error) {
	ok, err := t.l2.Contains(ctx, bank, key)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return t.l1.Contains(bank, key), nil
}

// Flush clears both tiers, L2 first. L1 is cleared even when L2 fails so a
// stale local copy cannot outlive a delete attempt.
func (t *Tiered[V]) Flush(ctx context.Context, bank, key string) error {
	err := t.l2.Flush(ctx, bank, key)
	t.l1.Flush(bank, key)
	return err
}

func (t *Tiered[V]) Close(ctx context.Context) error {
	if t.closeDrv && t.l2 != nil {
		return t.l2.Close(ctx)
	}
	return nil
}
