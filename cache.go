package bankcache

import (
	"context"
	"fmt"
	"time"

	c "github.com/unkn0wn-root/bankcache/codec"
	dr "github.com/unkn0wn-root/bankcache/driver"
)

type cache[V any] struct {
	drv      dr.Driver
	codec    c.Codec[V]
	log      Logger
	hooks    Hooks
	expire   time.Duration
	closeDrv bool
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("bankcache: driver is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("bankcache: codec is required")
	}

	c := &cache[V]{
		drv:      opts.Driver,
		codec:    opts.Codec,
		closeDrv: opts.CloseDriver,
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.expire = coalesce[time.Duration](opts.Expire, DefaultExpire)

	return c, nil
}

func (c *cache[V]) Store(ctx context.Context, bank, key string, v V) error {
	payload, err := c.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("bankcache: encode %s/%s: %w", bank, key, err)
	}
	return c.drv.Store(ctx, bank, key, payload)
}

func (c *cache[V]) Fetch(ctx context.Context, bank, key string) (V, bool, error) {
	var zero V
	raw, ok, err := c.drv.Fetch(ctx, bank, key)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := c.codec.Decode(raw)
	if err != nil {
		// self-heal: an undecodable entry is as good as absent
		_ = c.drv.Flush(ctx, bank, key)
		c.hooks.SelfHeal(bank, key, "value_decode")
		c.log.Warn("flushed undecodable entry", Fields{"bank": bank, "key": key, "err": err})
		return zero, false, nil
	}
	return v, true, nil
}

func (c *cache[V]) Updated(ctx context.Context, bank, key string) (time.Time, bool, error) {
	return c.drv.Updated(ctx, bank, key)
}

func (c *cache[V]) List(ctx context.Context, bank string) ([]string, error) {
	return c.drv.List(ctx, bank)
}

func (c *cache[V]) Contains(ctx context.Context, bank, key string) (bool, error) {
	return c.drv.Contains(ctx, bank, key)
}

func (c *cache[V]) Flush(ctx context.Context, bank, key string) error {
	return c.drv.Flush(ctx, bank, key)
}

// Load implements the refresh-ahead read. The staleness check and the reload
// are not serialized: concurrent callers that both observe an expired entry
// both run fn and both store (last writer wins).
func (c *cache[V]) Load(ctx context.Context, bank, key string, fn LoaderFunc[V], opts ...LoadOption) (V, error) {
	var zero V

	lo := loadOpts{expire: c.expire}
	for _, o := range opts {
		o(&lo)
	}

	mt, ok, err := c.drv.Updated(ctx, bank, key)
	if err != nil {
		return zero, err
	}

	reason := ""
	switch {
	case !ok:
		reason = "miss"
	case time.Since(mt) > lo.expire:
		reason = "expired"
	}

	if reason == "" {
		v, hit, err := c.Fetch(ctx, bank, key)
		if err != nil {
			return zero, err
		}
		if hit {
			return v, nil
		}
		// Updated reported a timestamp but the payload is gone or was
		// self-healed away; treat as a miss.
		reason = "miss"
	}

	c.hooks.Refresh(bank, key, reason)
	c.log.Debug("refreshing entry", Fields{"bank": bank, "key": key, "reason": reason})

	v, err := fn(ctx)
	if err != nil {
		c.hooks.LoaderError(bank, key, err)
		return zero, &LoaderError{Bank: bank, Key: key, Err: err}
	}
	if err := c.Store(ctx, bank, key, v); err != nil {
		return zero, err
	}
	return v, nil
}

// PurgeExpired bulk-deletes lapsed entries when the driver's engine tracks
// expiry natively. Drivers without native expiry report ErrNotSupported.
func (c *cache[V]) PurgeExpired(ctx context.Context, bank string, limit int) (int, error) {
	p, ok := c.drv.(dr.ExpiryPurger)
	if !ok {
		return 0, fmt.Errorf("bankcache: %w: driver has no native expiry", ErrNotSupported)
	}
	keys, err := p.PurgeExpired(ctx, bank, limit)
	if err != nil {
		return 0, err
	}
	if len(keys) > 0 {
		c.hooks.PurgeExpired(bank, len(keys))
		c.log.Info("purged expired entries", Fields{"bank": bank, "purged": len(keys)})
	}
	return len(keys), nil
}

func (c *cache[V]) Close(ctx context.Context) error {
	if c.closeDrv && c.drv != nil {
		return c.drv.Close(ctx)
	}
	return nil
}
