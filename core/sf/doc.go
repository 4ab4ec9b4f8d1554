// Package sf provides a generic single-flight mechanism for deduplicating
// concurrent function calls with the same key.
//
// If multiple goroutines call [Singleflight.Do] with the same key
// concurrently, only the first call executes the function; the others block
// until it completes and receive the same result. The command loader uses it
// so that concurrent reads of one stream rehydrate the aggregate once.
//
//	loads := sf.New[es.LoadedAggregate[Order]]()
//	loaded, _, err := loads.Do("orders-1", func() (es.LoadedAggregate[Order], error) {
//	    return es.LoadAggregate(ctx, store, orders, "orders-1")
//	})
package sf
