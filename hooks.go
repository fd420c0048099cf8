package bankcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// Load decided to refresh an entry.
	// reason ∈ {"miss", "expired"}
	Refresh(bank, key, reason string)

	// A loader failed. In MemCache/Tiered the caller still got the previous
	// value (fail-soft); in the facade the error propagated.
	LoaderError(bank, key string, err error)

	// A loader returned no data; the entry was flushed as a tombstone.
	Tombstone(bank, key string)

	// An undecodable entry was deleted on read.
	// reason ∈ {"corrupt", "value_decode"}
	SelfHeal(bank, key, reason string)

	// MemCache evicted an entry to stay within its bound.
	Evicted(bank, key string)

	// A driver purged n expired rows from bank.
	PurgeExpired(bank string, n int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) Refresh(string, string, string)    {}
func (NopHooks) LoaderError(string, string, error) {}
func (NopHooks) Tombstone(string, string)          {}
func (NopHooks) SelfHeal(string, string, string)   {}
func (NopHooks) Evicted(string, string)            {}
func (NopHooks) PurgeExpired(string, int)          {}
