// Package bankcache implements the bank/key caching subsystem of a fleet
// orchestration master. A bank is a hierarchical string namespace (segments
// separated by "/"), a key is unique within its bank, and (bank, key) is the
// sole addressing unit. One Driver backs each cache instance; the facade adds
// serialization via a pluggable Codec[V] and the refresh-ahead Load algorithm.
//
// Components:
//   - driver.Driver: bank/key byte store with out-of-band last-write times
//     (localfs, memory, bigcache, redis, etcd, consul, sqlstore).
//   - Codec[V]: (de)serializes V <-> []byte.
//   - MemCache[V]: bounded in-process item cache with If-Modified-Since style
//     conditional revalidation and explicit tombstones.
//   - Tiered[V]: MemCache (L1) composed over any Driver (L2).
//   - keycache: agent authentication key lifecycle over a localfs driver.
//
// Read-through pattern:
//
//	c, _ := bankcache.New[Inventory](bankcache.Options[Inventory]{
//	    Driver: drv,
//	    Codec:  codec.Msgpack[Inventory]{},
//	})
//	inv, err := c.Load(ctx, "cloud/metadata/azurearm/eastus", "vms", fetchVMs)
//
// Load refreshes when the entry is missing or older than the expire window
// (default 24h), stores the loader result, and returns it. No locking is
// taken around the refresh decision: concurrent callers that observe the same
// stale entry each run the loader and the last store wins.
package bankcache
