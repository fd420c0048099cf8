package bankcache

import "time"

// DefaultExpire is the staleness window Load uses when no per-call or
// per-cache override is given.
const DefaultExpire = 24 * time.Hour

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
