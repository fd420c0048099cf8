package bankcache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/bankcache/codec"
	dr "github.com/unkn0wn-root/bankcache/driver"
)

// LoaderFunc produces a fresh value when Load decides the cached one is
// missing or stale. It runs to completion or returns an error; the cache adds
// no timeout of its own.
type LoaderFunc[V any] func(ctx context.Context) (V, error)

// Cache is the driver-agnostic bank/key cache API.
// V is the caller's value type. Serialization is handled by a pluggable Codec[V].
type Cache[V any] interface {
	// Direct operations, delegated to the active driver.
	Store(ctx context.Context, bank, key string, v V) error
	Fetch(ctx context.Context, bank, key string) (v V, ok bool, err error)
	Updated(ctx context.Context, bank, key string) (time.Time, bool, error)
	List(ctx context.Context, bank string) ([]string, error)
	Contains(ctx context.Context, bank, key string) (bool, error)
	Flush(ctx context.Context, bank, key string) error

	// Load is the refresh-ahead read: return the cached value while fresh,
	// otherwise run fn, store its result, and return it.
	Load(ctx context.Context, bank, key string, fn LoaderFunc[V], opts ...LoadOption) (V, error)

	// PurgeExpired bulk-deletes lapsed entries on drivers with native
	// expiry; others report ErrNotSupported. Returns the delete count.
	PurgeExpired(ctx context.Context, bank string, limit int) (int, error)

	Close(context.Context) error
}

// Options tune the cache. Driver and Codec are required; others have
// sensible defaults.
type Options[V any] struct {
	// Required
	Driver dr.Driver
	Codec  c.Codec[V]

	Logger Logger        // if nil, NopLogger is used
	Hooks  Hooks         // if nil, NopHooks is used
	Expire time.Duration // default staleness window for Load; 0 => 24h

	// CloseDriver makes Close also close the driver. Set it only when this
	// cache exclusively owns the driver instance.
	CloseDriver bool
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}

// LoadOption overrides Load behavior per call.
type LoadOption func(*loadOpts)

type loadOpts struct {
	expire time.Duration
}

// WithExpire overrides the staleness window for one Load call.
func WithExpire(d time.Duration) LoadOption {
	return func(o *loadOpts) { o.expire = d }
}
