package sync

import "sync"

// Memo is a synchronized memoization table for a pure function.
// Concurrent callers racing on the same key may both run compute;
// the first stored result wins and every caller observes that one.
type Memo[K comparable, V any] struct {
	m sync.Map
}

// Do returns the memoized value for a key, running compute to build it
// if the key has not been seen yet.
func (mm *Memo[K, V]) Do(k K, compute func() V) V {
	if v, ok := mm.m.Load(k); ok {
		return v.(V)
	}
	v, _ := mm.m.LoadOrStore(k, compute())
	return v.(V)
}
