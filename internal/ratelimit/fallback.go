package ratelimit

import (
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the default memory budget for the fallback cache (64 MiB).
const defaultMaxCost = 64 << 20

// windowCost approximates the memory footprint of one window entry so that
// ristretto can manage eviction by real memory rather than key count.
var windowCost = int64(unsafe.Sizeof(window{})) + 16*8

// InMemoryLimiter provides per-key sliding-window limiting in local memory.
// Used as a fallback when Redis is unavailable and the failure policy is
// "inmemoryfallback".
//
// IMPORTANT: this limiter is NOT globally consistent. Each gateway instance
// keeps its own counters, so under failover the effective limit is
// per-instance, not per-cluster.
//
// Ristretto handles concurrency, TTL expiry, and admission/eviction
// (TinyLFU) within the memory budget. Window state is per key with a
// per-window mutex so hot paths only contend on the individual key.
type InMemoryLimiter struct {
	disabled bool // true when limit <= 0; Allow always returns true
	cache    *ristretto.Cache[string, *window]
	limit    int64
	span     time.Duration // sub-window length
	buckets  int
}

// window is a ring of sub-window counters. counts[i] covers the sub-window
// with absolute index base+i.
type window struct {
	mu     sync.Mutex
	counts []int64
	base   int64 // absolute index of counts[0]
}

// NewInMemoryLimiter creates an in-memory sliding-window limiter with the
// given parameters.
func NewInMemoryLimiter(cfg Config) *InMemoryLimiter {
	cfg = cfg.withDefaults()

	estimatedItems := defaultMaxCost / windowCost
	numCounters := estimatedItems * 10

	cache, err := ristretto.NewCache(&ristretto.Config[string, *window]{
		NumCounters: numCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	span := cfg.Window / time.Duration(cfg.SubWindows)
	if span <= 0 {
		span = time.Millisecond
	}

	return &InMemoryLimiter{
		disabled: cfg.Limit <= 0,
		cache:    cache,
		limit:    cfg.Limit,
		span:     span,
		buckets:  cfg.SubWindows,
	}
}

// Allow checks the in-memory window for the given key. When the limiter is
// disabled (limit <= 0), always returns true.
func (l *InMemoryLimiter) Allow(key string) bool {
	if l.disabled {
		return true
	}

	cur := time.Now().UnixNano() / int64(l.span)

	w, found := l.cache.Get(key)
	if !found {
		w = &window{counts: make([]int64, l.buckets), base: cur - int64(l.buckets) + 1}
		w.counts[l.buckets-1] = 1
		ttl := l.span * time.Duration(l.buckets+1)
		l.cache.SetWithTTL(key, w, windowCost, ttl)
		// Wait makes the window visible to subsequent Gets. Only the first
		// request for a key pays this; cache hits cost nothing extra.
		l.cache.Wait()
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Slide the ring so counts[buckets-1] covers the current sub-window.
	shift := cur - (w.base + int64(l.buckets) - 1)
	if shift > 0 {
		if shift >= int64(l.buckets) {
			for i := range w.counts {
				w.counts[i] = 0
			}
		} else {
			copy(w.counts, w.counts[shift:])
			for i := l.buckets - int(shift); i < l.buckets; i++ {
				w.counts[i] = 0
			}
		}
		w.base += shift
	}

	var total int64
	for _, c := range w.counts {
		total += c
	}
	if total >= l.limit {
		return false
	}

	w.counts[l.buckets-1]++
	return true
}

// Close releases resources held by the cache. Safe to call multiple times.
func (l *InMemoryLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
