package ratelimit

// Counter store key namespace.
const (
	configCachePrefix = "cache:config:"
	counterPrefix     = "rate:limit:cnt:"
	dedupPrefix       = "mq:dedup:"

	// HealthCheckKey is read by the store health probe.
	HealthCheckKey = "health-check"
)

// ConfigCacheKey returns the cached policy key for apiKey.
func ConfigCacheKey(apiKey string) string {
	return configCachePrefix + apiKey
}

// CounterKey returns the window counter key for apiKey.
func CounterKey(apiKey string) string {
	return counterPrefix + apiKey
}

// DedupKey returns the dedup marker key for a broker message id.
func DedupKey(msgID string) string {
	return dedupPrefix + msgID
}
