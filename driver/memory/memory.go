// Package memory is the in-process reference driver: a mutex-guarded
// (bank, key) map with per-entry write times. It backs tests for every other
// driver and serves single-process deployments that want no external store.
//
// An optional expiry window evicts entries lazily on read and, when a cleanup
// interval is configured, via a background janitor.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unkn0wn-root/bankcache/driver"
)

func init() {
	driver.Register("memory", func(_ context.Context, p driver.Params) (driver.Driver, error) {
		return New(Config{
			Expire:          p.Duration("expire", 0),
			CleanupInterval: p.Duration("cleanup_interval", 0),
		}), nil
	})
}

type entry struct {
	data  []byte
	mtime time.Time
}

type Driver struct {
	mu    sync.RWMutex
	banks map[string]map[string]entry

	expire time.Duration

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ driver.Driver = (*Driver)(nil)

type Config struct {
	// Expire evicts entries older than this window; 0 disables expiry.
	Expire time.Duration
	// CleanupInterval runs a background sweep; 0 relies on lazy eviction only.
	CleanupInterval time.Duration
}

func New(cfg Config) *Driver {
	d := &Driver{
		banks:  make(map[string]map[string]entry),
		expire: cfg.Expire,
	}
	if cfg.Expire > 0 && cfg.CleanupInterval > 0 {
		d.ticker = time.NewTicker(cfg.CleanupInterval)
		d.stopCh = make(chan struct{})
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-d.ticker.C:
					d.sweep()
				case <-d.stopCh:
					return
				}
			}
		}()
	}
	return d
}

func (d *Driver) Store(_ context.Context, bank, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	d.mu.Lock()
	b, ok := d.banks[bank]
	if !ok {
		b = make(map[string]entry)
		d.banks[bank] = b
	}
	b[key] = entry{data: cp, mtime: time.Now()}
	d.mu.Unlock()
	return nil
}

func (d *Driver) Fetch(_ context.Context, bank, key string) ([]byte, bool, error) {
	e, ok := d.live(bank, key)
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(e.data))
	copy(cp, e.data)
	return cp, true, nil
}

func (d *Driver) Updated(_ context.Context, bank, key string) (time.Time, bool, error) {
	e, ok := d.live(bank, key)
	if !ok {
		return time.Time{}, false, nil
	}
	return e.mtime, true, nil
}

func (d *Driver) List(_ context.Context, bank string) ([]string, error) {
	cutoff := d.cutoff()

	d.mu.RLock()
	b := d.banks[bank]
	keys := make([]string, 0, len(b))
	for k, e := range b {
		if !cutoff.IsZero() && e.mtime.Before(cutoff) {
			continue
		}
		keys = append(keys, k)
	}
	d.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

func (d *Driver) Contains(ctx context.Context, bank, key string) (bool, error) {
	if key == "" {
		keys, _ := d.List(ctx, bank)
		return len(keys) > 0, nil
	}
	_, ok := d.live(bank, key)
	return ok, nil
}

func (d *Driver) Flush(_ context.Context, bank, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if key == "" {
		delete(d.banks, bank)
		return nil
	}
	if b, ok := d.banks[bank]; ok {
		delete(b, key)
		if len(b) == 0 {
			delete(d.banks, bank)
		}
	}
	return nil
}

func (d *Driver) Close(context.Context) error {
	d.once.Do(func() {
		if d.stopCh != nil {
			close(d.stopCh)
			d.ticker.Stop()
			d.wg.Wait()
		}
	})
	return nil
}

// live fetches an entry and lazily evicts it when expired.
func (d *Driver) live(bank, key string) (entry, bool) {
	cutoff := d.cutoff()

	d.mu.RLock()
	e, ok := d.banks[bank][key]
	d.mu.RUnlock()
	if !ok {
		return entry{}, false
	}
	if !cutoff.IsZero() && e.mtime.Before(cutoff) {
		d.mu.Lock()
		// Re-check under the write lock; a concurrent Store may have renewed it.
		if cur, still := d.banks[bank][key]; still && cur.mtime.Before(cutoff) {
			delete(d.banks[bank], key)
		}
		d.mu.Unlock()
		return entry{}, false
	}
	return e, true
}

func (d *Driver) cutoff() time.Time {
	if d.expire <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-d.expire)
}

func (d *Driver) sweep() {
	cutoff := d.cutoff()
	if cutoff.IsZero() {
		return
	}
	d.mu.Lock()
	for bank, b := range d.banks {
		for k, e := range b {
			if e.mtime.Before(cutoff) {
				delete(b, k)
			}
		}
		if len(b) == 0 {
			delete(d.banks, bank)
		}
	}
	d.mu.Unlock()
}
