// Package driver defines the storage abstraction used by bankcache.
//
// A Driver stores opaque byte payloads addressed by (bank, key) and keeps the
// last-write time out-of-band from the payload itself. Implementations MUST
// be byte-for-byte transparent: Fetch must return exactly the same []byte
// that was previously passed to Store for a key. Engines with no native place
// for metadata frame values with the internal/wire envelope before handing
// them to the store; the framing MUST be fully reversed on Fetch.
//
// "Missing" is normalized at this boundary: every driver reports an absent
// (bank, key) as (nil, false, nil) from Fetch, never an empty value or an
// engine-specific sentinel.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrInvalidKey marks a bank or key that failed path-safety validation.
	// It is fatal for the calling operation and never silently sanitized.
	ErrInvalidKey = errors.New("bankcache: invalid bank or key")

	// ErrUnknownDriver is returned by Open for an unregistered driver name.
	ErrUnknownDriver = errors.New("bankcache: unknown cache driver")
)

// Driver is the uniform contract every storage engine satisfies.
// Must be safe for concurrent use.
type Driver interface {
	// Store writes data under (bank, key), overwriting any previous value.
	// The bank need not exist beforehand.
	Store(ctx context.Context, bank, key string, data []byte) error

	// Fetch returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Fetch(ctx context.Context, bank, key string) ([]byte, bool, error)

	// Updated reports the last write time of (bank, key), independent of the
	// payload content. Absent keys report ok=false.
	Updated(ctx context.Context, bank, key string) (time.Time, bool, error)

	// List returns every key currently in bank, sorted for determinism.
	// An absent bank yields an empty slice.
	List(ctx context.Context, bank string) ([]string, error)

	// Contains reports whether (bank, key) exists. With key == "" it reports
	// whether the bank holds any key at all.
	Contains(ctx context.Context, bank, key string) (bool, error)

	// Flush deletes one key, or the whole bank when key == "". Flushing an
	// absent key or bank is a no-op, not an error.
	Flush(ctx context.Context, bank, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// ExpiryPurger is implemented by drivers whose engine tracks row expiry
// natively and can delete lapsed entries in bulk.
type ExpiryPurger interface {
	// PurgeExpired deletes up to limit expired entries from bank (limit <= 0
	// means unbounded) and returns the keys actually deleted.
	PurgeExpired(ctx context.Context, bank string, limit int) ([]string, error)
}

// Params carries per-driver connection settings from configuration.
// Factories read what they need with the typed getters; unknown keys are
// ignored so one config map can feed any driver.
type Params map[string]any

func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Duration reads key as a number of seconds.
func (p Params) Duration(key string, def time.Duration) time.Duration {
	if n := p.Int(key, -1); n >= 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func (p Params) StringSlice(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Factory builds a Driver from configuration parameters.
type Factory func(ctx context.Context, p Params) (Driver, error)

var (
	regMu     sync.RWMutex
	factories = make(map[string]Factory)
)

// Register installs a factory under name. Driver packages call it from init;
// duplicate names are an init-time bug and panic.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("bankcache: driver %q registered twice", name))
	}
	factories[name] = f
}

// Open resolves name to a registered factory and builds the driver.
// Each call returns a fresh instance: one active driver per cache instance.
func Open(ctx context.Context, name string, p Params) (Driver, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return f(ctx, p)
}

// Drivers lists the registered driver names (sorted order not guaranteed).
func Drivers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	return out
}
