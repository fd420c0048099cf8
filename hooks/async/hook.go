// Package asynchook moves hook processing off the cache's hot path. Events
// are queued to a small worker pool; when the queue is full they are dropped
// rather than blocking a Load or Fetch.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{RefreshEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := bankcache.New[Job](bankcache.Options[Job]{
//	    Driver: drv,
//	    Codec:  codec.JSON[Job]{},
//	    Hooks:  hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/bankcache"
)

type Hooks struct {
	inner bankcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ bankcache.Hooks = (*Hooks)(nil)

func New(inner bankcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) Refresh(b, k, r string)           { h.try(func() { h.inner.Refresh(b, k, r) }) }
func (h *Hooks) LoaderError(b, k string, e error) { h.try(func() { h.inner.LoaderError(b, k, e) }) }
func (h *Hooks) Tombstone(b, k string)            { h.try(func() { h.inner.Tombstone(b, k) }) }
func (h *Hooks) SelfHeal(b, k, r string)          { h.try(func() { h.inner.SelfHeal(b, k, r) }) }
func (h *Hooks) Evicted(b, k string)              { h.try(func() { h.inner.Evicted(b, k) }) }
func (h *Hooks) PurgeExpired(b string, n int)     { h.try(func() { h.inner.PurgeExpired(b, n) }) }
