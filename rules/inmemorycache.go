package rules

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// InMemoryRulesCache is an LRU-bounded implementation of RulesCache
// Thread-safe for concurrent access
type InMemoryRulesCache struct {
	entries *lru.Cache[string, *CompiledWorkflow]
	config  CacheConfig
	mu      sync.Mutex // serializes invalidation scans against inserts
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) (*InMemoryRulesCache, error) {
	if config.SizeLimit <= 0 {
		config.SizeLimit = DefaultCacheConfig().SizeLimit
	}
	entries, err := lru.New[string, *CompiledWorkflow](config.SizeLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to create rules cache: %w", err)
	}
	return &InMemoryRulesCache{entries: entries, config: config}, nil
}

// Get retrieves a compiled workflow
func (c *InMemoryRulesCache) Get(key string) (*CompiledWorkflow, bool) {
	return c.entries.Get(key)
}

// Set stores a compiled workflow
func (c *InMemoryRulesCache) Set(key string, entry *CompiledWorkflow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, entry)
}

// InvalidateWorkflow removes the entries compiled from the workflow
func (c *InMemoryRulesCache) InvalidateWorkflow(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if _, contributed := entry.Versions[name]; contributed || entry.Workflow == name {
			c.entries.Remove(key)
		}
	}
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Len returns the number of cached entries
func (c *InMemoryRulesCache) Len() int {
	return c.entries.Len()
}
