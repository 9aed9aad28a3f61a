package actions

import (
	"sync"

	"github.com/solatis/serverrules/internal/schema"
)

// SchemaCache holds compiled schemas keyed by schema context. Each context
// is built at most once; concurrent first use waits for the single build.
// Failed builds are not cached.
type SchemaCache struct {
	mu      sync.RWMutex
	schemas map[string]*schema.Schema
}

// NewSchemaCache returns an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{schemas: make(map[string]*schema.Schema)}
}

// Get returns the schema for key, calling build on first use.
func (c *SchemaCache) Get(key string, build func() (*schema.Schema, error)) (*schema.Schema, error) {
	c.mu.RLock()
	s, ok := c.schemas[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[key]; ok {
		return s, nil
	}
	s, err := build()
	if err != nil {
		return nil, err
	}
	c.schemas[key] = s
	return s, nil
}

// Len returns the number of cached schemas.
func (c *SchemaCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.schemas)
}
