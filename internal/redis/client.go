// Package redis provides the Redis backed counter, config cache and dedup stores.
package redis

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/auth-platform/rate-limiter-service/internal/config"
	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/fixed_window.lua
var fixedWindowSource string

//go:embed scripts/peek.lua
var peekSource string

var (
	fixedWindowScript = redis.NewScript(fixedWindowSource)
	peekScript        = redis.NewScript(peekSource)
)

// Client implements ratelimit.CounterStore, ratelimit.ConfigStore and ratelimit.DedupStore.
type Client struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewClient creates a new Redis client based on configuration.
func NewClient(cfg config.RedisConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var client redis.UniversalClient

	if cfg.ClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addresses[0],
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	// The limiter fails open, so an unreachable Redis at boot is logged, not fatal.
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WarnContext(ctx, "redis ping failed at startup", slog.Any("error", err))
	} else {
		logger.InfoContext(ctx, "redis client connected",
			slog.Bool("cluster_mode", cfg.ClusterMode),
			slog.Int("pool_size", cfg.PoolSize),
		)
	}

	return &Client{client: client, logger: logger}, nil
}

// NewFromUniversal wraps an existing go-redis client.
func NewFromUniversal(client redis.UniversalClient, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{client: client, logger: logger}
}

// Increment runs the fixed window script for apiKey.
func (c *Client) Increment(ctx context.Context, apiKey string, windowSeconds, limit int) (int64, error) {
	keys := []string{ratelimit.CounterKey(apiKey)}
	n, err := fixedWindowScript.Run(ctx, c.client, keys, windowSeconds, limit).Int64()
	if err != nil {
		return 0, ratelimit.WrapError(ratelimit.ErrStoreDown, "counter increment failed", err)
	}
	return n, nil
}

// Peek returns the current count for apiKey, 0 when no window is open.
func (c *Client) Peek(ctx context.Context, apiKey string) (int64, error) {
	keys := []string{ratelimit.CounterKey(apiKey)}
	n, err := peekScript.Run(ctx, c.client, keys).Int64()
	if err != nil {
		return 0, ratelimit.WrapError(ratelimit.ErrStoreDown, "counter peek failed", err)
	}
	return n, nil
}

// TTL returns the remaining window seconds for apiKey.
// Redis reports -2 for a missing key and -1 for a key without expiry.
func (c *Client) TTL(ctx context.Context, apiKey string) (int64, error) {
	d, err := c.client.TTL(ctx, ratelimit.CounterKey(apiKey)).Result()
	if err != nil {
		return 0, ratelimit.WrapError(ratelimit.ErrStoreDown, "counter ttl failed", err)
	}
	if d < 0 {
		return int64(d), nil
	}
	return int64(d / time.Second), nil
}

// Evict removes the cached policy and the counter for apiKey.
func (c *Client) Evict(ctx context.Context, apiKey string) error {
	// Separate commands keep cluster mode free of cross-slot errors.
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, ratelimit.ConfigCacheKey(apiKey))
		pipe.Del(ctx, ratelimit.CounterKey(apiKey))
		return nil
	})
	if err != nil {
		return ratelimit.WrapError(ratelimit.ErrStoreDown, "redis evict failed", err)
	}
	return nil
}

// Healthy reads the health probe key. A missing key still counts as a round trip.
func (c *Client) Healthy(ctx context.Context) bool {
	err := c.client.Get(ctx, ratelimit.HealthCheckKey).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.WarnContext(ctx, "redis health check failed", slog.Any("error", err))
		return false
	}
	return true
}

// GetConfig returns the cached policy bytes for apiKey.
func (c *Client) GetConfig(ctx context.Context, apiKey string) ([]byte, error) {
	result, err := c.client.Get(ctx, ratelimit.ConfigCacheKey(apiKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ratelimit.ErrNotFound
		}
		return nil, ratelimit.WrapError(ratelimit.ErrStoreDown, "redis get failed", err)
	}
	return result, nil
}

// SetConfig stores policy bytes for apiKey with ttl.
func (c *Client) SetConfig(ctx context.Context, apiKey string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, ratelimit.ConfigCacheKey(apiKey), value, ttl).Err(); err != nil {
		return ratelimit.WrapError(ratelimit.ErrStoreDown, "redis set failed", err)
	}
	return nil
}

// DeleteConfig removes the cached policy bytes for apiKey.
func (c *Client) DeleteConfig(ctx context.Context, apiKey string) error {
	if err := c.client.Del(ctx, ratelimit.ConfigCacheKey(apiKey)).Err(); err != nil {
		return ratelimit.WrapError(ratelimit.ErrStoreDown, "redis del failed", err)
	}
	return nil
}

// Acquire sets the dedup marker for msgID if absent.
func (c *Client) Acquire(ctx context.Context, msgID string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, ratelimit.DedupKey(msgID), strconv.FormatInt(time.Now().Unix(), 10), ttl).Result()
	if err != nil {
		return false, ratelimit.WrapError(ratelimit.ErrStoreDown, "redis setnx failed", err)
	}
	return ok, nil
}

// Release deletes the dedup marker for msgID.
func (c *Client) Release(ctx context.Context, msgID string) error {
	if err := c.client.Del(ctx, ratelimit.DedupKey(msgID)).Err(); err != nil {
		return ratelimit.WrapError(ratelimit.ErrStoreDown, "redis del failed", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}
