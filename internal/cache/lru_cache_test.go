package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewLRUCache(t *testing.T) {
	cache := NewLRUCache(DefaultCacheConfig())

	assert.NotNil(t, cache)
	assert.Equal(t, 0, cache.Size())
}

func TestLRUCache_BasicOperations(t *testing.T) {
	cache := NewLRUCache(DefaultCacheConfig())

	// 测试Set和Get
	cache.Set("key1", "value1", time.Hour)

	value, exists := cache.Get("key1")
	assert.True(t, exists)
	assert.Equal(t, "value1", value)

	// 测试不存在的key
	value, exists = cache.Get("nonexistent")
	assert.False(t, exists)
	assert.Nil(t, value)

	// 测试Delete
	deleted := cache.Delete("key1")
	assert.True(t, deleted)

	value, exists = cache.Get("key1")
	assert.False(t, exists)
	assert.Nil(t, value)

	// 测试删除不存在的key
	deleted = cache.Delete("nonexistent")
	assert.False(t, deleted)
}

func TestLRUCache_TTL(t *testing.T) {
	cache := NewLRUCache(DefaultCacheConfig())

	// 设置短TTL
	cache.Set("key1", "value1", 50*time.Millisecond)

	// 立即获取应该成功
	value, exists := cache.Get("key1")
	assert.True(t, exists)
	assert.Equal(t, "value1", value)

	// 过期后获取应该失败
	time.Sleep(100 * time.Millisecond)
	value, exists = cache.Get("key1")
	assert.False(t, exists)
	assert.Nil(t, value)
}

func TestLRUCache_Eviction(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{MaxSize: 3})

	// 填满缓存
	for i := 1; i <= 3; i++ {
		cache.Set(fmt.Sprintf("key%d", i), i, 0)
	}
	assert.Equal(t, 3, cache.Size())

	// 访问key1使其成为最近使用
	_, exists := cache.Get("key1")
	assert.True(t, exists)

	// 插入新key应该淘汰最久未使用的key2
	cache.Set("key4", 4, 0)
	assert.Equal(t, 3, cache.Size())

	_, exists = cache.Get("key2")
	assert.False(t, exists)
	_, exists = cache.Get("key1")
	assert.True(t, exists)
	_, exists = cache.Get("key4")
	assert.True(t, exists)
}

func TestLRUCache_Clear(t *testing.T) {
	cache := NewLRUCache(DefaultCacheConfig())

	cache.Set("key1", "value1", 0)
	cache.Set("key2", "value2", 0)
	assert.Equal(t, 2, cache.Size())

	cache.Clear()
	assert.Equal(t, 0, cache.Size())

	_, exists := cache.Get("key1")
	assert.False(t, exists)
}

func TestLRUCache_Stats(t *testing.T) {
	cache := NewLRUCache(DefaultCacheConfig())

	cache.Set("key1", "value1", 0)

	// 一次命中一次未命中
	_, _ = cache.Get("key1")
	_, _ = cache.Get("missing")

	stats := cache.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestLRUCache_Keys(t *testing.T) {
	cache := NewLRUCache(DefaultCacheConfig())

	cache.Set("a", 1, 0)
	cache.Set("b", 2, 0)

	keys := cache.Keys()
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, "a")
	assert.Contains(t, keys, "b")
}
