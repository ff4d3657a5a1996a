// Package ratelimit holds the shared rate limiter types, errors and contracts.
package ratelimit

import (
	"context"
	"time"
)

// CounterStore is the shared fixed-window counter.
// Every method returns an ErrStoreDown-coded error when the store cannot be reached.
type CounterStore interface {
	// Increment atomically bumps the window counter and returns the new value.
	// The first increment of a window creates the key with a TTL of windowSeconds.
	Increment(ctx context.Context, apiKey string, windowSeconds, limit int) (int64, error)

	// Peek returns the current count without side effects, 0 if absent.
	Peek(ctx context.Context, apiKey string) (int64, error)

	// TTL returns the remaining window seconds. Negative means absent or no expiry.
	TTL(ctx context.Context, apiKey string) (int64, error)

	// Evict deletes the counter and, when the store also caches policies, the cached policy.
	Evict(ctx context.Context, apiKey string) error

	// Healthy performs a cheap round trip.
	Healthy(ctx context.Context) bool
}

// ConfigStore holds serialized policies for the cache-aside lookup.
type ConfigStore interface {
	GetConfig(ctx context.Context, apiKey string) ([]byte, error)
	SetConfig(ctx context.Context, apiKey string, value []byte, ttl time.Duration) error
	DeleteConfig(ctx context.Context, apiKey string) error
}

// DedupStore records broker message ids that were already accepted.
type DedupStore interface {
	// Acquire sets the marker if absent. It reports false for a duplicate.
	Acquire(ctx context.Context, msgID string, ttl time.Duration) (bool, error)

	// Release removes the marker so a redelivery is processed again.
	Release(ctx context.Context, msgID string) error
}

// PolicyRepository is the durable policy store.
type PolicyRepository interface {
	// Save upserts the policy. It reports whether a new row was created.
	Save(ctx context.Context, policy *Policy) (bool, error)

	// FindByAPIKey returns ErrNotFound when no policy exists.
	FindByAPIKey(ctx context.Context, apiKey string) (*Policy, error)

	ExistsByAPIKey(ctx context.Context, apiKey string) (bool, error)

	DeleteByAPIKey(ctx context.Context, apiKey string) error

	// List returns one page ordered by creation time, newest first, and the total count.
	List(ctx context.Context, page, size int) ([]Policy, int64, error)
}

// EventPublisher emits events without blocking the caller.
type EventPublisher interface {
	Publish(event Event)
}
