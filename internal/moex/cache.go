package moex

import (
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a TTL-bounded LRU for provider responses.
//
// Keys are the operation name plus normalised arguments, so two callers
// spelling the same request differently still share an entry. The cache is
// concurrency-safe and process-wide; entries expire after the configured TTL
// regardless of hit frequency.
type Cache struct {
	entries *lru.LRU[string, any]
}

// NewCache creates a cache with the given capacity and TTL.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	return &Cache{entries: lru.NewLRU[string, any](maxSize, nil, ttl)}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	return c.entries.Get(key)
}

// Set stores a value under key.
func (c *Cache) Set(key string, value any) {
	c.entries.Add(key, value)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// CacheKey builds a deterministic cache key from an operation name and its
// normalised arguments. Argument order does not matter.
func CacheKey(op string, args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(op)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, args[k])
	}
	return b.String()
}
