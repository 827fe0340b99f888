package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localBackends() map[string]Cache {
	cfg := LocalConfig{
		MaxSize:           100,
		DefaultExpiration: 5 * time.Minute,
		CleanupInterval:   10 * time.Minute,
	}
	return map[string]Cache{
		"gocache": NewGoCache(cfg),
		"lru":     NewLRUCache(cfg),
	}
}

func TestLocalBackends(t *testing.T) {
	ctx := context.Background()

	for name, c := range localBackends() {
		c := c
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
			v, ok := c.Get(ctx, "k")
			assert.True(t, ok)
			assert.Equal(t, "v", v)

			added, err := c.Add(ctx, "k", "other", time.Minute)
			require.NoError(t, err)
			assert.False(t, added, "Add must not overwrite an existing key")

			require.NoError(t, c.Delete(ctx, "k"))
			_, ok = c.Get(ctx, "k")
			assert.False(t, ok)

			added, err = c.Add(ctx, "k", "fresh", time.Minute)
			require.NoError(t, err)
			assert.True(t, added)
		})
	}
}

func TestNewCacheRejectsUnknownType(t *testing.T) {
	_, err := NewCache(Config{Type: "memcached"})
	assert.Error(t, err)

	c, err := NewCache(Config{})
	require.NoError(t, err)
	assert.NotNil(t, c)
}
