package bankcache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Item is the per-entry record MemCache and Tiered keep alongside the value.
// Extra is a free-form tag map loaders can use for conditional revalidation
// (an ETag, a content hash). Data == nil is an explicit tombstone, distinct
// from an absent entry.
type Item[V any] struct {
	Mtime time.Time
	Atime time.Time
	TTL   time.Duration
	Data  *V
	Extra map[string]string
}

// NewItem wraps a bare value into a fresh Item stamped now.
func NewItem[V any](v V) Item[V] {
	now := time.Now()
	return Item[V]{Mtime: now, Atime: now, Data: &v}
}

// ItemLoaderFunc refreshes an entry. prev is the current item (zero stand-in
// on a miss) so the loader can revalidate cheaply: compare a tag in
// prev.Extra against the source and, when unchanged, return prev with only
// Mtime bumped instead of refetching the payload. Returning an item with
// Data == nil tombstones the entry.
type ItemLoaderFunc[V any] func(ctx context.Context, prev Item[V]) (Item[V], error)

// MemOptions tune a MemCache. All fields have defaults.
type MemOptions struct {
	Logger Logger
	Hooks  Hooks

	// Expire is the staleness window Load uses when neither the per-call
	// option nor the item's own TTL set one. 0 => 24h.
	Expire time.Duration

	// MaxEntries bounds the map across all banks. Inserting past the bound
	// evicts the entry with the oldest Atime. 0 => 1024.
	MaxEntries int
}

// DefaultMaxEntries bounds a MemCache when MemOptions.MaxEntries is zero.
const DefaultMaxEntries = 1024

// MemCache is a bounded in-process (bank, key) -> Item map with the same
// refresh-ahead read as the facade, plus per-item metadata the facade does
// not track (Atime, Extra tags, per-item TTL). Values are held as-is; there
// is no codec and no driver underneath.
//
// Instances are process-wide singletons keyed by name: a second NewMemCache
// call with a known name returns the existing instance.
type MemCache[V any] struct {
	mu    sync.Mutex
	banks map[string]map[string]Item[V]
	count int

	max    int
	expire time.Duration
	log    Logger
	hooks  Hooks
}

var (
	memMu  sync.Mutex
	memReg = make(map[string]any)
)

// NewMemCache returns the process-wide MemCache registered under name,
// building it on first use. Requesting an existing name with a different
// value type is an error.
func NewMemCache[V any](name string, opts MemOptions) (*MemCache[V], error) {
	memMu.Lock()
	defer memMu.Unlock()

	if prev, ok := memReg[name]; ok {
		mc, ok := prev.(*MemCache[V])
		if !ok {
			return nil, fmt.Errorf("bankcache: memcache %q already exists with a different value type", name)
		}
		mc.log.Debug("memcache already exists, reusing", Fields{"name": name})
		return mc, nil
	}

	mc := newMem[V](opts)
	memReg[name] = mc
	return mc, nil
}

// newMem builds an unregistered instance. Tiered uses it directly so each
// Tiered owns its L1 instead of sharing a registry entry.
func newMem[V any](opts MemOptions) *MemCache[V] {
	return &MemCache[V]{
		banks:  make(map[string]map[string]Item[V]),
		max:    coalesce[int](opts.MaxEntries, DefaultMaxEntries),
		expire: coalesce[time.Duration](opts.Expire, DefaultExpire),
		log:    coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:  coalesce[Hooks](opts.Hooks, NopHooks{}),
	}
}

// Load is the refresh-ahead read. A loader error is caught and the previous
// data returned unchanged (stale-but-available beats an error); a returned
// tombstone flushes the entry and reports a miss. Like the facade, the
// refresh decision is not serialized: concurrent callers over a stale entry
// all run fn, last writer wins.
func (m *MemCache[V]) Load(ctx context.Context, bank, key string, fn ItemLoaderFunc[V], opts ...LoadOption) (V, bool) {
	var zero V

	lo := loadOpts{}
	for _, o := range opts {
		o(&lo)
	}

	m.mu.Lock()
	prev, exists := m.banks[bank][key]
	m.mu.Unlock()

	ttl := lo.expire
	if ttl == 0 {
		ttl = prev.TTL
	}
	if ttl == 0 {
		ttl = m.expire
	}

	refresh := !exists || prev.Data == nil || time.Since(prev.Mtime) > ttl
	if !refresh {
		m.touch(bank, key)
		return *prev.Data, true
	}

	reason := "expired"
	if !exists {
		reason = "miss"
	}
	m.hooks.Refresh(bank, key, reason)

	next, err := fn(ctx, prev)
	if err != nil {
		m.hooks.LoaderError(bank, key, err)
		m.log.Warn("loader failed, keeping previous data", Fields{"bank": bank, "key": key, "err": err})
		if prev.Data != nil {
			return *prev.Data, true
		}
		return zero, false
	}

	if next.Data == nil {
		m.Flush(bank, key)
		m.hooks.Tombstone(bank, key)
		return zero, false
	}

	if next.Mtime.IsZero() {
		now := time.Now()
		next.Mtime, next.Atime = now, now
	}
	m.StoreItem(bank, key, next)
	return *next.Data, true
}

// Store wraps v into a fresh item and inserts it.
func (m *MemCache[V]) Store(bank, key string, v V) {
	m.StoreItem(bank, key, NewItem(v))
}

// StoreItem inserts it as-is, evicting the oldest-Atime entry when the
// insert would exceed the bound.
func (m *MemCache[V]) StoreItem(bank, key string, it Item[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.banks[bank]
	if !ok {
		b = make(map[string]Item[V])
		m.banks[bank] = b
	}
	if _, exists := b[key]; !exists {
		if m.count >= m.max {
			m.evictOldestLocked()
		}
		m.count++
	}
	b[key] = it
}

// evictOldestLocked drops the entry with the oldest Atime. Caller holds mu.
func (m *MemCache[V]) evictOldestLocked() {
	var (
		oBank, oKey string
		oldest      time.Time
		found       bool
	)
	for bank, b := range m.banks {
		for key, it := range b {
			if !found || it.Atime.Before(oldest) {
				oBank, oKey, oldest, found = bank, key, it.Atime, true
			}
		}
	}
	if !found {
		return
	}
	delete(m.banks[oBank], oKey)
	if len(m.banks[oBank]) == 0 {
		delete(m.banks, oBank)
	}
	m.count--
	m.hooks.Evicted(oBank, oKey)
}

// Fetch returns the stored value, bumping Atime. Tombstones read as absent.
func (m *MemCache[V]) Fetch(bank, key string) (V, bool) {
	var zero V
	it, ok := m.FetchItem(bank, key)
	if !ok || it.Data == nil {
		return zero, false
	}
	return *it.Data, true
}

// FetchItem returns the full item with its metadata, bumping Atime.
func (m *MemCache[V]) FetchItem(bank, key string) (Item[V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.banks[bank][key]
	if !ok {
		return Item[V]{}, false
	}
	it.Atime = time.Now()
	m.banks[bank][key] = it
	return it, true
}

func (m *MemCache[V]) touch(bank, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.banks[bank][key]; ok {
		it.Atime = time.Now()
		m.banks[bank][key] = it
	}
}

// Updated returns the entry's Mtime.
func (m *MemCache[V]) Updated(bank, key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.banks[bank][key]
	if !ok {
		return time.Time{}, false
	}
	return it.Mtime, true
}

// List returns the bank's keys, sorted. Tombstoned entries are gone by then,
// so everything listed has data.
func (m *MemCache[V]) List(bank string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.banks[bank]))
	for k := range m.banks[bank] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Contains reports whether the key exists; key == "" asks whether the bank
// holds anything at all.
func (m *MemCache[V]) Contains(bank, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		return len(m.banks[bank]) > 0
	}
	_, ok := m.banks[bank][key]
	return ok
}

// Flush removes one entry, or the whole bank when key == "".
func (m *MemCache[V]) Flush(bank, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.banks[bank]
	if !ok {
		return
	}
	if key == "" {
		m.count -= len(b)
		delete(m.banks, bank)
		return
	}
	if _, ok := b[key]; ok {
		delete(b, key)
		m.count--
		if len(b) == 0 {
			delete(m.banks, bank)
		}
	}
}

// Len reports the entry count across all banks.
func (m *MemCache[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
