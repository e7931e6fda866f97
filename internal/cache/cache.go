// Package cache wraps a pooled Redis client, backing session revocation
// lookups and exposing the raw client so internal/bus can run its
// Redis-transported awareness channel over the same pool.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection parameters.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// Cache wraps a Redis client. A disabled or unreachable Redis degrades
// every method to a no-op/miss rather than failing callers outright.
type Cache struct {
	client *redis.Client
}

// New opens a pooled Redis client, or returns a disabled cache if cfg
// says so.
func New(cfg Config) (*Cache, error) {
	if !cfg.Enabled {
		return &Cache{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:        25,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Cache{client: client}, nil
}

// Client exposes the underlying *redis.Client, e.g. for bus.NewRedisBus.
// Returns nil when caching is disabled.
func (c *Cache) Client() *redis.Client { return c.client }

// IsEnabled reports whether Redis is configured and reachable.
func (c *Cache) IsEnabled() bool { return c.client != nil }

// Close closes the connection pool.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Get retrieves and unmarshals a cached value.
func (c *Cache) Get(ctx context.Context, key string, target any) error {
	if !c.IsEnabled() {
		return fmt.Errorf("cache not enabled")
	}
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("key not found: %s", key)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return json.Unmarshal([]byte(val), target)
}

// Set stores a value with a TTL. A no-op when caching is disabled.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsEnabled() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes one or more keys. A no-op when caching is disabled.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.IsEnabled() {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if !c.IsEnabled() {
		return false, nil
	}
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}
