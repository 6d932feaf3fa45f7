package storage

import (
	"container/list"
	"sync"
)

// BlockCacheConfig configures the shared decoded-data-block cache.
// MaxCapacityBytes == 0 means unbounded; MaxCapacityBytes < 0 disables
// the cache entirely (Put always rejects, Get always misses).
type BlockCacheConfig struct {
	MaxCapacityBytes int64
	MinBlockBytes    int64
	MaxBlockBytes    int64
	MaxBlockCount    int64 // 0 = unlimited
	MinUtilization   float64
}

// DefaultBlockCacheConfig returns sensible defaults.
func DefaultBlockCacheConfig() BlockCacheConfig {
	return BlockCacheConfig{
		MaxCapacityBytes: 256 * 1024 * 1024,
		MinBlockBytes:    4096,
		MaxBlockBytes:    64 * 1024,
		MaxBlockCount:    0,
		MinUtilization:   0.5,
	}
}

// BlockCacheStats reports point-in-time counters for a BlockCache.
type BlockCacheStats struct {
	TotalAccess    int64
	Hits           int64
	Misses         int64
	Rejected       int64
	Evicted        int64
	CurrentBytes   int64
	CurrentEntries int64
}

// HitRate returns Hits/TotalAccess, or 0 if there have been no accesses.
func (s BlockCacheStats) HitRate() float64 {
	if s.TotalAccess == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.TotalAccess)
}

// blockCacheKey is the cache's lookup key. It's comparable, so it can be
// used directly as a map key without going through a hash that could
// collide between two distinct (sstID, offset) pairs.
type blockCacheKey struct {
	sstID  uint64
	offset uint64
}

type blockCacheEntry struct {
	key  blockCacheKey
	data []byte
}

// BlockCache is a bounded-capacity LRU of decoded SST data-block byte
// slices, keyed by (sst_id, block_offset). The whole cache is guarded by
// a single mutex; every operation is O(1) amortized.
type BlockCache struct {
	mu    sync.Mutex
	cfg   BlockCacheConfig
	lru   *list.List // front = MRU, back = LRU
	byKey map[blockCacheKey]*list.Element
	stats BlockCacheStats
}

// NewBlockCache creates a cache with the given configuration.
func NewBlockCache(cfg BlockCacheConfig) *BlockCache {
	return &BlockCache{
		cfg:   cfg,
		lru:   list.New(),
		byKey: make(map[blockCacheKey]*list.Element),
	}
}

// Get returns the cached block for (sstID, offset), promoting it to MRU.
func (c *BlockCache) Get(sstID, offset uint64) ([]byte, bool) {
	key := blockCacheKey{sstID, offset}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalAccess++
	elem, ok := c.byKey[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.stats.Hits++
	return elem.Value.(*blockCacheEntry).data, true
}

// Put inserts a block, evicting LRU entries as needed. Returns false if
// the block is rejected for being oversized or under-utilized.
func (c *BlockCache) Put(sstID, offset uint64, data []byte) bool {
	if len(data) == 0 || c.cfg.MaxCapacityBytes < 0 {
		return false
	}
	if c.cfg.MaxBlockBytes > 0 && int64(len(data)) > c.cfg.MaxBlockBytes {
		c.mu.Lock()
		c.stats.Rejected++
		c.mu.Unlock()
		return false
	}
	if c.cfg.MinBlockBytes > 0 {
		utilization := float64(len(data)) / float64(c.cfg.MinBlockBytes)
		if utilization < c.cfg.MinUtilization {
			c.mu.Lock()
			c.stats.Rejected++
			c.mu.Unlock()
			return false
		}
	}

	key := blockCacheKey{sstID, offset}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[key]; ok {
		entry := elem.Value.(*blockCacheEntry)
		c.stats.CurrentBytes += int64(len(data)) - int64(len(entry.data))
		entry.data = data
		c.lru.MoveToFront(elem)
		return true
	}

	c.evictLocked(int64(len(data)))

	entry := &blockCacheEntry{key: key, data: data}
	elem := c.lru.PushFront(entry)
	c.byKey[key] = elem
	c.stats.CurrentBytes += int64(len(data))
	c.stats.CurrentEntries++
	return true
}

func (c *BlockCache) evictLocked(incoming int64) {
	for (c.cfg.MaxCapacityBytes > 0 && c.stats.CurrentBytes+incoming > c.cfg.MaxCapacityBytes) ||
		(c.cfg.MaxBlockCount > 0 && c.stats.CurrentEntries >= c.cfg.MaxBlockCount) {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.removeElementLocked(back)
		c.stats.Evicted++
	}
}

func (c *BlockCache) removeElementLocked(elem *list.Element) {
	entry := elem.Value.(*blockCacheEntry)
	delete(c.byKey, entry.key)
	c.lru.Remove(elem)
	c.stats.CurrentBytes -= int64(len(entry.data))
	c.stats.CurrentEntries--
}

// Remove evicts a single entry, if present.
func (c *BlockCache) Remove(sstID, offset uint64) bool {
	key := blockCacheKey{sstID, offset}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byKey[key]
	if !ok {
		return false
	}
	c.removeElementLocked(elem)
	return true
}

// Clear empties the cache without touching cumulative counters.
func (c *BlockCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.byKey = make(map[blockCacheKey]*list.Element)
	c.stats.CurrentBytes = 0
	c.stats.CurrentEntries = 0
}

// Stats returns a snapshot of the cache's counters.
func (c *BlockCache) Stats() BlockCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ResetStats zeroes the access counters, leaving current size/count intact.
func (c *BlockCache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalAccess = 0
	c.stats.Hits = 0
	c.stats.Misses = 0
	c.stats.Rejected = 0
	c.stats.Evicted = 0
}
