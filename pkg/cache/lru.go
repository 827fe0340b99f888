package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// lruCache 基于 hashicorp expirable LRU 的本地缓存
//
// expirable.LRU 只支持统一的 TTL，单条 expiration 参数会被忽略。
type lruCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, interface{}]
}

// NewLRUCache 创建有容量上限的本地缓存
func NewLRUCache(config LocalConfig) Cache {
	size := config.MaxSize
	if size <= 0 {
		size = 1000
	}
	return &lruCache{
		lru: expirable.NewLRU[string, interface{}](size, nil, config.DefaultExpiration),
	}
}

func (lc *lruCache) Get(ctx context.Context, key string) (interface{}, bool) {
	return lc.lru.Get(key)
}

func (lc *lruCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	lc.lru.Add(key, value)
	return nil
}

func (lc *lruCache) Add(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.lru.Contains(key) {
		return false, nil
	}
	lc.lru.Add(key, value)
	return true, nil
}

func (lc *lruCache) Delete(ctx context.Context, key string) error {
	lc.lru.Remove(key)
	return nil
}

func (lc *lruCache) Close() error {
	lc.lru.Purge()
	return nil
}
