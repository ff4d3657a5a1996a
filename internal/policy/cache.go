package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/auth-platform/rate-limiter-service/internal/observability"
	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
)

// DefaultCacheTTL is how long a resolved policy stays in the config cache.
const DefaultCacheTTL = 300 * time.Second

// Cache resolves policies cache-aside: config store first, repository on miss.
type Cache struct {
	store   ratelimit.ConfigStore
	repo    ratelimit.PolicyRepository
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewCache creates a new policy cache.
func NewCache(store ratelimit.ConfigStore, repo ratelimit.PolicyRepository, ttl time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   store,
		repo:    repo,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

// Get returns the policy for apiKey, or ErrNotFound.
// Cache read and write-back failures are logged and never returned.
func (c *Cache) Get(ctx context.Context, apiKey string) (*ratelimit.Policy, error) {
	if p, ok := c.fromCache(ctx, apiKey); ok {
		return p, nil
	}

	p, err := c.repo.FindByAPIKey(ctx, apiKey)
	if err != nil {
		if ratelimit.IsNotFound(err) {
			c.record("absent")
		}
		return nil, err
	}

	c.write(ctx, p)
	return p, nil
}

// Put writes p through to the config store.
func (c *Cache) Put(ctx context.Context, p *ratelimit.Policy) {
	c.write(ctx, p)
}

// Evict drops the cached policy for apiKey. A failure is logged; the entry then
// lives until its TTL.
func (c *Cache) Evict(ctx context.Context, apiKey string) {
	if err := c.store.DeleteConfig(ctx, apiKey); err != nil {
		c.record("error")
		c.logger.WarnContext(ctx, "config cache evict failed",
			slog.String("api_key", apiKey),
			slog.Any("error", err),
		)
	}
}

func (c *Cache) fromCache(ctx context.Context, apiKey string) (*ratelimit.Policy, bool) {
	data, err := c.store.GetConfig(ctx, apiKey)
	if err != nil {
		if ratelimit.IsNotFound(err) {
			c.record("miss")
		} else {
			c.record("error")
			c.logger.WarnContext(ctx, "config cache read failed",
				slog.String("api_key", apiKey),
				slog.Any("error", err),
			)
		}
		return nil, false
	}

	var p ratelimit.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		c.record("corrupt")
		c.logger.WarnContext(ctx, "config cache entry corrupt",
			slog.String("api_key", apiKey),
			slog.Any("error", err),
		)
		return nil, false
	}

	c.record("hit")
	c.logger.DebugContext(ctx, "cache hit", slog.String("api_key", apiKey))
	return &p, true
}

func (c *Cache) write(ctx context.Context, p *ratelimit.Policy) {
	data, err := json.Marshal(p)
	if err != nil {
		c.logger.WarnContext(ctx, "config cache encode failed",
			slog.String("api_key", p.APIKey),
			slog.Any("error", err),
		)
		return
	}
	if err := c.store.SetConfig(ctx, p.APIKey, data, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "config cache write failed",
			slog.String("api_key", p.APIKey),
			slog.Any("error", err),
		)
	}
}

func (c *Cache) record(result string) {
	if c.metrics != nil {
		c.metrics.RecordConfigCache(result)
	}
}
