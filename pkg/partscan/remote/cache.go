package remote

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"
)

// DefaultSchemaCacheSize is the number of schemas kept by a [SchemaCache]
// when no size is given.
const DefaultSchemaCacheSize = 1024

// SchemaCache caches resolved schemas by table and projection. Register
// [SchemaCache.Forget] with [Handles.OnClose] so a reopened table is resolved
// against its current columns.
type SchemaCache struct {
	cache *lru.Cache[string, *Schema]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewSchemaCache creates a cache holding up to size schemas. A size of zero
// or less uses [DefaultSchemaCacheSize].
func NewSchemaCache(size int) (*SchemaCache, error) {
	if size <= 0 {
		size = DefaultSchemaCacheSize
	}
	cache, err := lru.New[string, *Schema](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &SchemaCache{cache: cache}, nil
}

// Resolve returns the schema of table for projection, resolving and caching
// it on a miss. Failed resolutions are not cached.
func (c *SchemaCache) Resolve(table Table, projection []string) (*Schema, error) {
	key := cacheKeyPrefix(table.Name()) + strings.Join(projection, "\x00")
	if s, ok := c.cache.Get(key); ok {
		c.hits.Inc()
		return s, nil
	}
	c.misses.Inc()

	s, err := ResolveSchema(table.Columns(), projection)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, s)
	return s, nil
}

func cacheKeyPrefix(table string) string { return table + "\x00" }

// Forget removes every cached schema of the table called name.
func (c *SchemaCache) Forget(name string) {
	prefix := cacheKeyPrefix(name)
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
}

// Hits returns the number of lookups served from the cache.
func (c *SchemaCache) Hits() int64 { return c.hits.Load() }

// Misses returns the number of lookups that resolved a schema.
func (c *SchemaCache) Misses() int64 { return c.misses.Load() }

// Purge removes every cached schema.
func (c *SchemaCache) Purge() { c.cache.Purge() }
