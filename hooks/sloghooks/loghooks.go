package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/bankcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	RefreshEvery  uint64
	SelfHealEvery uint64
	EvictedEvery  uint64
}

// Hooks logs cache events through slog, sampling the high-frequency ones.
// Refreshes fire on every reload, evictions on every insert past the bound;
// an unsampled logger would dominate the log under load.
type Hooks struct {
	l    *slog.Logger
	opts Options

	refreshCtr  atomic.Uint64
	selfHealCtr atomic.Uint64
	evictedCtr  atomic.Uint64
}

var _ bankcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) Refresh(bank, key, reason string) {
	if h.l == nil || !sample(h.opts.RefreshEvery, &h.refreshCtr) {
		return
	}
	h.l.Debug("bankcache.refresh",
		"bank", bank,
		"key", key,
		"reason", reason)
}

func (h *Hooks) LoaderError(bank, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("bankcache.loader_error",
		"bank", bank,
		"key", key,
		"err", err)
}

func (h *Hooks) Tombstone(bank, key string) {
	if h.l == nil {
		return
	}
	h.l.Info("bankcache.tombstone",
		"bank", bank,
		"key", key)
}

func (h *Hooks) SelfHeal(bank, key, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Warn("bankcache.self_heal",
		"bank", bank,
		"key", key,
		"reason", reason)
}

func (h *Hooks) Evicted(bank, key string) {
	if h.l == nil || !sample(h.opts.EvictedEvery, &h.evictedCtr) {
		return
	}
	h.l.Debug("bankcache.evicted",
		"bank", bank,
		"key", key)
}

func (h *Hooks) PurgeExpired(bank string, n int) {
	if h.l == nil {
		return
	}
	h.l.Info("bankcache.purge_expired",
		"bank", bank,
		"purged", n)
}
