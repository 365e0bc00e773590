// Package cache provides a sharded in-memory cache for symbol contract
// parameters. Symbol metadata changes rarely but is read on every dispatch,
// so entries carry an age instead of being invalidated eagerly.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"execution-core/internal/connector"
)

const numShards = 16

// SymbolCache is a sharded cache of symbol contract parameters.
type SymbolCache struct {
	shards [numShards]*symbolShard
	maxAge time.Duration
}

type symbolShard struct {
	mu    sync.RWMutex
	items map[string]symbolEntry
}

type symbolEntry struct {
	info      connector.SymbolInfo
	updatedAt time.Time
}

// NewSymbolCache creates a cache whose entries expire after maxAge.
func NewSymbolCache(maxAge time.Duration) *SymbolCache {
	c := &SymbolCache{maxAge: maxAge}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &symbolShard{
			items: make(map[string]symbolEntry),
		}
	}
	return c
}

// getShard returns the shard for the given key.
func (c *SymbolCache) getShard(key string) *symbolShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores contract parameters for a symbol.
func (c *SymbolCache) Set(symbol string, info connector.SymbolInfo) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = symbolEntry{
		info:      info,
		updatedAt: time.Now(),
	}
	shard.mu.Unlock()
}

// Get retrieves a fresh entry. Stale entries report a miss.
func (c *SymbolCache) Get(symbol string) (connector.SymbolInfo, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok {
		return connector.SymbolInfo{}, false
	}
	if c.maxAge > 0 && time.Since(entry.updatedAt) > c.maxAge {
		return connector.SymbolInfo{}, false
	}
	return entry.info, true
}

// Delete removes a symbol from the cache.
func (c *SymbolCache) Delete(symbol string) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *SymbolCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than the cache max age and reports how many
// were dropped.
func (c *SymbolCache) Cleanup() int {
	if c.maxAge <= 0 {
		return 0
	}
	removed := 0
	cutoff := time.Now().Add(-c.maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
