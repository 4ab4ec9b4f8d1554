// Package cache provides a simple key-value cache interface with LRU eviction
// and TTL support.
//
// The package defines two interfaces:
//
//   - [Cache]: Untyped cache storing values as any
//   - [Typed]: a namespaced, type-safe view via [NewTyped]
//
// The command dispatcher keeps recently loaded aggregates in a cache so that
// a hot stream is not rehydrated for every command.
//
// # Implementations
//
// [LRU] provides an in-memory LRU cache that is safe for concurrent use.
// It runs a background goroutine for cache operations, ensuring thread safety
// without external locking.
//
//	c := cache.NewLRU(cache.LRUOpts{Size: 1000})
//	defer c.Close()
//
//	c.Put("orders-1", loaded, cache.WithTTL(5*time.Minute))
//	if val, ok := c.Get("orders-1"); ok {
//	    // Use val
//	}
//
// [Nop] never stores anything and disables caching.
//
// # Type-Safe Usage
//
// Use [NewTyped] for compile-time type safety:
//
//	orders := cache.NewTyped[es.LoadedAggregate[Order]](c, "order")
//	orders.Put("orders-1", loaded)
//	if loaded, ok := orders.Get("orders-1"); ok {
//	    // loaded is es.LoadedAggregate[Order]
//	}
//
// # TTL Support
//
// Use [WithTTL] to set per-entry expiration. Expired entries are lazily
// evicted on access.
package cache
