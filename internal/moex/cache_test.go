package moex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheKey_Deterministic(t *testing.T) {
	a := CacheKey("snapshot", map[string]string{"ticker": "SBER", "board": "TQBR"})
	b := CacheKey("snapshot", map[string]string{"board": "TQBR", "ticker": "SBER"})
	assert.Equal(t, a, b, "argument order must not matter")

	c := CacheKey("snapshot", map[string]string{"ticker": "GAZP", "board": "TQBR"})
	assert.NotEqual(t, a, c)

	d := CacheKey("ohlcv", map[string]string{"ticker": "SBER", "board": "TQBR"})
	assert.NotEqual(t, a, d, "operation name is part of the key")
}

func TestCache_TTLExpiry(t *testing.T) {
	cache := NewCache(4, 50*time.Millisecond)
	cache.Set("k", 42)

	value, ok := cache.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 42, value)

	time.Sleep(80 * time.Millisecond)
	_, ok = cache.Get("k")
	assert.False(t, ok, "entry must expire after the TTL")
}

func TestCache_LRUEviction(t *testing.T) {
	cache := NewCache(2, time.Minute)
	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Set("c", 3)

	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get("a")
	assert.False(t, ok, "oldest entry is evicted at capacity")
}
