package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTokenCache shares the authority session token between instances
type RedisTokenCache struct {
	client *redis.Client
}

// NewRedisTokenCache creates a token cache on an existing client
func NewRedisTokenCache(client *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{client: client}
}

// Get returns the token, or "" when absent
func (c *RedisTokenCache) Get(ctx context.Context, key string) (string, error) {
	tok, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return tok, nil
}

// Set stores the token until ttl elapses
func (c *RedisTokenCache) Set(ctx context.Context, key, token string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, token, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// Delete drops the token
func (c *RedisTokenCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
