package bankcache

import (
	"errors"
	"fmt"
)

// ErrNotSupported reports an optional capability the active driver does not
// implement, such as native expiry purging.
var ErrNotSupported = errors.New("operation not supported by driver")

// LoaderError reports a failed refresh inside Load: the caller-supplied
// loader returned an error for (Bank, Key). The facade propagates it;
// MemCache and Tiered catch it and fall back to the previous value instead.
type LoaderError struct {
	Bank string
	Key  string
	Err  error
}

func (e *LoaderError) Error() string {
	return fmt.Sprintf("bankcache: loader failed for %s/%s: %v", e.Bank, e.Key, e.Err)
}

func (e *LoaderError) Unwrap() error { return e.Err }
