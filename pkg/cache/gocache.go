package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// goCacheWrapper go-cache包装器
type goCacheWrapper struct {
	cache *gocache.Cache
}

// NewGoCache 创建基于go-cache的本地缓存
func NewGoCache(config LocalConfig) Cache {
	defaultExpiration := config.DefaultExpiration
	if defaultExpiration == 0 {
		defaultExpiration = gocache.NoExpiration
	}
	return &goCacheWrapper{
		cache: gocache.New(defaultExpiration, config.CleanupInterval),
	}
}

func (gc *goCacheWrapper) Get(ctx context.Context, key string) (interface{}, bool) {
	return gc.cache.Get(key)
}

func (gc *goCacheWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	gc.cache.Set(key, value, expiration)
	return nil
}

// Add go-cache 在键已存在时返回错误，这里转换为 false
func (gc *goCacheWrapper) Add(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	if err := gc.cache.Add(key, value, expiration); err != nil {
		return false, nil
	}
	return true, nil
}

func (gc *goCacheWrapper) Delete(ctx context.Context, key string) error {
	gc.cache.Delete(key)
	return nil
}

// Close go-cache不需要关闭连接
func (gc *goCacheWrapper) Close() error {
	return nil
}

// ItemCount 获取缓存项数量
func (gc *goCacheWrapper) ItemCount() int {
	return gc.cache.ItemCount()
}
