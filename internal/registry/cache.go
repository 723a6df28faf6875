package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Cache maps a conversation key to its thread handle. A miss is reported
// as ok == false, never as an error.
type Cache interface {
	Get(ctx context.Context, key string) (handle string, ok bool, err error)
	Set(ctx context.Context, key, handle string) error
	Delete(ctx context.Context, key string) error
}

// LRUCache is a per-process cache bounded by size and entry age.
type LRUCache struct {
	lru *expirable.LRU[string, string]
}

func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 4096
	}
	return &LRUCache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (c *LRUCache) Get(_ context.Context, key string) (string, bool, error) {
	h, ok := c.lru.Get(key)
	return h, ok, nil
}

func (c *LRUCache) Set(_ context.Context, key, handle string) error {
	c.lru.Add(key, handle)
	return nil
}

func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// RedisCache shares handles between processes.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "hub:thread:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	h, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get thread from cache: %w", err)
	}
	return h, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, handle string) error {
	if err := c.client.Set(ctx, c.prefix+key, handle, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache thread: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to evict thread: %w", err)
	}
	return nil
}
