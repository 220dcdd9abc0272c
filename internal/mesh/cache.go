package mesh

import (
	"sync"
	"sync/atomic"
	"time"
)

// cachedCount is one cache entry: the last computed distributed total and
// the monotonic instant it was refreshed, both atomic so reads never block.
type cachedCount struct {
	total       atomic.Uint64
	refreshedAt atomic.Int64 // nanoseconds since the cache epoch
}

// countCache is a TTL read-through cache of distributed counter sums.
// Summing shards serializes on the state guard; hot keys would serialize
// every decision without it. The TTL bounds the decision error to
// TTL x peer-arrival-rate.
type countCache struct {
	entries sync.Map // encoded key -> *cachedCount
	// epoch anchors relative timestamps so entries need no time.Time.
	epoch time.Time
	ttl   time.Duration
	size  atomic.Int64
}

func newCountCache(ttl time.Duration) *countCache {
	return &countCache{epoch: time.Now(), ttl: ttl}
}

func (c *countCache) now() int64 {
	return time.Since(c.epoch).Nanoseconds()
}

// get returns the cached total for key, or false when the entry is missing
// or expired. Never blocks.
func (c *countCache) get(key string) (uint64, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return 0, false
	}
	entry := v.(*cachedCount)
	if c.now()-entry.refreshedAt.Load() >= c.ttl.Nanoseconds() {
		return 0, false
	}
	return entry.total.Load(), true
}

// set records a freshly computed total for key.
func (c *countCache) set(key string, total uint64) {
	v, ok := c.entries.Load(key)
	if !ok {
		var loaded bool
		v, loaded = c.entries.LoadOrStore(key, &cachedCount{})
		if !loaded {
			c.size.Add(1)
		}
	}
	entry := v.(*cachedCount)
	entry.total.Store(total)
	entry.refreshedAt.Store(c.now())
}

// evictExpired removes entries past the TTL and returns how many were
// dropped.
func (c *countCache) evictExpired() int {
	removed := 0
	cutoff := c.now() - c.ttl.Nanoseconds()
	c.entries.Range(func(key, v any) bool {
		if v.(*cachedCount).refreshedAt.Load() <= cutoff {
			c.entries.Delete(key)
			c.size.Add(-1)
			removed++
		}
		return true
	})
	return removed
}

// len returns the number of cached entries.
func (c *countCache) len() int {
	return int(c.size.Load())
}
