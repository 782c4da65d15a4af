package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// LRUCache 进程级LRU缓存
// 模拟器用它按内容哈希缓存已解析的模板与配置文件，避免多站点重复读盘。
type LRUCache struct {
	mutex   sync.RWMutex
	items   map[string]*list.Element
	lruList *list.List
	config  *CacheConfig

	// 全局统计
	stats struct {
		hits      int64
		misses    int64
		sets      int64
		deletes   int64
		evictions int64
	}
}

// CacheConfig 缓存配置
type CacheConfig struct {
	MaxSize    int           `json:"max_size"`
	DefaultTTL time.Duration `json:"default_ttl"`
}

// DefaultCacheConfig 默认缓存配置
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxSize:    1024,
		DefaultTTL: 0, // 0表示不过期
	}
}

// CacheStats 缓存统计
type CacheStats struct {
	TotalItems int64   `json:"total_items"`
	MaxSize    int64   `json:"max_size"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Sets       int64   `json:"sets"`
	Deletes    int64   `json:"deletes"`
	Evictions  int64   `json:"evictions"`
	HitRate    float64 `json:"hit_rate"`
}

type cacheEntry struct {
	key       string
	value     interface{}
	expiresAt time.Time // 零值表示不过期
}

func (e *cacheEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// NewLRUCache 创建新的LRU缓存
func NewLRUCache(config *CacheConfig) *LRUCache {
	if config == nil {
		config = DefaultCacheConfig()
	}
	return &LRUCache{
		items:   make(map[string]*list.Element),
		lruList: list.New(),
		config:  config,
	}
}

// Get 获取缓存项
func (c *LRUCache) Get(key string) (interface{}, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	element, exists := c.items[key]
	if !exists {
		atomic.AddInt64(&c.stats.misses, 1)
		return nil, false
	}

	entry := element.Value.(*cacheEntry)
	if entry.expired() {
		c.removeElement(element)
		atomic.AddInt64(&c.stats.misses, 1)
		return nil, false
	}

	c.lruList.MoveToFront(element)
	atomic.AddInt64(&c.stats.hits, 1)
	return entry.value, true
}

// Set 设置缓存项，ttl为0时使用默认TTL
func (c *LRUCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	atomic.AddInt64(&c.stats.sets, 1)

	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if element, exists := c.items[key]; exists {
		entry := element.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.lruList.MoveToFront(element)
		return
	}

	element := c.lruList.PushFront(&cacheEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})
	c.items[key] = element

	for len(c.items) > c.config.MaxSize {
		c.evictOldest()
	}
}

// Delete 删除缓存项
func (c *LRUCache) Delete(key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	element, exists := c.items[key]
	if !exists {
		return false
	}
	c.removeElement(element)
	atomic.AddInt64(&c.stats.deletes, 1)
	return true
}

// Exists 检查key是否存在
func (c *LRUCache) Exists(key string) bool {
	_, exists := c.Get(key)
	return exists
}

// Size 获取缓存项数量
func (c *LRUCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.items)
}

// Keys 获取所有key
func (c *LRUCache) Keys() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	keys := make([]string, 0, len(c.items))
	for key := range c.items {
		keys = append(keys, key)
	}
	return keys
}

// Clear 清空所有缓存
func (c *LRUCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items = make(map[string]*list.Element)
	c.lruList.Init()
}

// GetStats 获取统计信息
func (c *LRUCache) GetStats() *CacheStats {
	stats := &CacheStats{
		TotalItems: int64(c.Size()),
		MaxSize:    int64(c.config.MaxSize),
		Hits:       atomic.LoadInt64(&c.stats.hits),
		Misses:     atomic.LoadInt64(&c.stats.misses),
		Sets:       atomic.LoadInt64(&c.stats.sets),
		Deletes:    atomic.LoadInt64(&c.stats.deletes),
		Evictions:  atomic.LoadInt64(&c.stats.evictions),
	}

	totalRequests := stats.Hits + stats.Misses
	if totalRequests > 0 {
		stats.HitRate = float64(stats.Hits) / float64(totalRequests)
	}
	return stats
}

// removeElement 调用方必须持有写锁
func (c *LRUCache) removeElement(element *list.Element) {
	entry := element.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.lruList.Remove(element)
}

// evictOldest 调用方必须持有写锁
func (c *LRUCache) evictOldest() {
	element := c.lruList.Back()
	if element == nil {
		return
	}
	c.removeElement(element)
	atomic.AddInt64(&c.stats.evictions, 1)
}
