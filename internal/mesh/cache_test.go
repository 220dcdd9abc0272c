package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheMissOnEmpty(t *testing.T) {
	cache := newCountCache(time.Second)

	_, ok := cache.get("k")
	assert.False(t, ok)
}

func TestCacheHitWithinTTL(t *testing.T) {
	cache := newCountCache(time.Second)
	cache.set("k", 42)

	total, ok := cache.get("k")
	assert.True(t, ok)
	assert.Equal(t, uint64(42), total)
	assert.Equal(t, 1, cache.len())
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	cache := newCountCache(30 * time.Millisecond)
	cache.set("k", 42)

	time.Sleep(50 * time.Millisecond)

	_, ok := cache.get("k")
	assert.False(t, ok)
}

func TestCacheUpdateRefreshes(t *testing.T) {
	cache := newCountCache(40 * time.Millisecond)
	cache.set("k", 1)

	time.Sleep(25 * time.Millisecond)
	cache.set("k", 2)
	time.Sleep(25 * time.Millisecond)

	total, ok := cache.get("k")
	assert.True(t, ok)
	assert.Equal(t, uint64(2), total)
	assert.Equal(t, 1, cache.len())
}

func TestCacheEviction(t *testing.T) {
	cache := newCountCache(20 * time.Millisecond)
	cache.set("a", 1)
	cache.set("b", 2)
	assert.Equal(t, 2, cache.len())

	time.Sleep(40 * time.Millisecond)
	cache.set("c", 3)

	removed := cache.evictExpired()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, cache.len())

	total, ok := cache.get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(3), total)
}
