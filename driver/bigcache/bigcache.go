// Package bigcache is the bounded in-process driver, backed by
// allegro/bigcache. Entries are framed with the wire envelope so Updated
// works without native metadata, and a side index keeps per-bank key sets so
// List and bank flushes stay exact even though the underlying store is flat.
//
// BigCache may evict entries on its own (LifeWindow, memory pressure); the
// index is reconciled lazily, so List and Contains never report a key whose
// entry is already gone.
package bigcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/bankcache/driver"
	"github.com/unkn0wn-root/bankcache/internal/safepath"
	"github.com/unkn0wn-root/bankcache/internal/wire"
)

func init() {
	driver.Register("bigcache", func(_ context.Context, p driver.Params) (driver.Driver, error) {
		return New(Config{
			LifeWindow:         p.Duration("life_window", 0),
			CleanWindow:        p.Duration("clean_window", 0),
			MaxEntriesInWindow: p.Int("max_entries_in_window", 0),
			MaxEntrySize:       p.Int("max_entry_size", 0),
			HardMaxCacheSizeMB: p.Int("hard_max_cache_size_mb", 0),
		})
	})
}

// flat keys are bank + unit separator + key; safepath rejects \x1f in both
// sides, so distinct (bank, key) pairs never alias one flat key.
const sep = "\x1f"

type Driver struct {
	c *bc.BigCache

	mu    sync.Mutex
	index map[string]map[string]struct{} // bank -> keys
}

var _ driver.Driver = (*Driver)(nil)

type Config struct {
	LifeWindow         time.Duration // entry lifetime; 0 => 24h
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
}

func New(cfg Config) (*Driver, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = 24 * time.Hour
	}
	conf := bc.DefaultConfig(life)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	return &Driver{c: c, index: make(map[string]map[string]struct{})}, nil
}

func join(bank, key string) string { return bank + sep + key }

// flat validates both identifiers before joining them. Only validated names
// ever reach the store or the index.
func flat(bank, key string) (string, error) {
	if err := safepath.Bank(bank); err != nil {
		return "", fmt.Errorf("%w: %v", driver.ErrInvalidKey, err)
	}
	if err := safepath.Key(key); err != nil {
		return "", fmt.Errorf("%w: %v", driver.ErrInvalidKey, err)
	}
	return join(bank, key), nil
}

func (d *Driver) Store(_ context.Context, bank, key string, data []byte) error {
	fk, err := flat(bank, key)
	if err != nil {
		return err
	}
	if err := d.c.Set(fk, wire.Encode(time.Now(), data)); err != nil {
		return err
	}
	d.mu.Lock()
	b, ok := d.index[bank]
	if !ok {
		b = make(map[string]struct{})
		d.index[bank] = b
	}
	b[key] = struct{}{}
	d.mu.Unlock()
	return nil
}

func (d *Driver) Fetch(_ context.Context, bank, key string) ([]byte, bool, error) {
	fk, err := flat(bank, key)
	if err != nil {
		return nil, false, nil
	}
	raw, err := d.c.Get(fk)
	if errors.Is(err, bc.ErrEntryNotFound) {
		d.forget(bank, key)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	_, payload, err := wire.Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (d *Driver) Updated(_ context.Context, bank, key string) (time.Time, bool, error) {
	fk, err := flat(bank, key)
	if err != nil {
		return time.Time{}, false, nil
	}
	raw, err := d.c.Get(fk)
	if errors.Is(err, bc.ErrEntryNotFound) {
		d.forget(bank, key)
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	mt, err := wire.Mtime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return mt, true, nil
}

func (d *Driver) List(_ context.Context, bank string) ([]string, error) {
	d.mu.Lock()
	candidates := make([]string, 0, len(d.index[bank]))
	for k := range d.index[bank] {
		candidates = append(candidates, k)
	}
	d.mu.Unlock()

	// Reconcile against the store: bigcache evicts independently. Index
	// entries were validated at Store time, so join directly.
	keys := candidates[:0]
	for _, k := range candidates {
		if _, err := d.c.Get(join(bank, k)); err == nil {
			keys = append(keys, k)
		} else if errors.Is(err, bc.ErrEntryNotFound) {
			d.forget(bank, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *Driver) Contains(ctx context.Context, bank, key string) (bool, error) {
	if key == "" {
		keys, err := d.List(ctx, bank)
		if err != nil {
			return false, err
		}
		return len(keys) > 0, nil
	}
	fk, err := flat(bank, key)
	if err != nil {
		return false, nil
	}
	_, err = d.c.Get(fk)
	if errors.Is(err, bc.ErrEntryNotFound) {
		d.forget(bank, key)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Driver) Flush(_ context.Context, bank, key string) error {
	if key == "" {
		if err := safepath.Bank(bank); err != nil {
			return fmt.Errorf("%w: %v", driver.ErrInvalidKey, err)
		}
		d.mu.Lock()
		keys := make([]string, 0, len(d.index[bank]))
		for k := range d.index[bank] {
			keys = append(keys, k)
		}
		delete(d.index, bank)
		d.mu.Unlock()

		for _, k := range keys {
			if err := d.c.Delete(join(bank, k)); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
				return err
			}
		}
		return nil
	}
	fk, err := flat(bank, key)
	if err != nil {
		return err
	}
	d.forget(bank, key)
	if err := d.c.Delete(fk); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (d *Driver) Close(context.Context) error { return d.c.Close() }

func (d *Driver) forget(bank, key string) {
	d.mu.Lock()
	if b, ok := d.index[bank]; ok {
		delete(b, key)
		if len(b) == 0 {
			delete(d.index, bank)
		}
	}
	d.mu.Unlock()
}
