package consumer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auth-platform/rate-limiter-service/internal/audit"
	"github.com/auth-platform/rate-limiter-service/internal/broker"
	"github.com/auth-platform/rate-limiter-service/internal/events"
	"github.com/auth-platform/rate-limiter-service/internal/observability"
	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
	"github.com/auth-platform/rate-limiter-service/internal/redis"
	fakes "github.com/auth-platform/rate-limiter-service/internal/testutil"
)

// syncBuffer guards a bytes.Buffer for concurrent handlers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

type harness struct {
	consumer *Consumer
	dedup    *fakes.MemoryDedupStore
	tracker  *AlertTracker
	clock    *manualClock
	audit    *syncBuffer
	metrics  *observability.Metrics
}

func newHarness(t *testing.T, dedup ratelimit.DedupStore) *harness {
	t.Helper()

	h := &harness{audit: &syncBuffer{}}
	if dedup == nil {
		h.dedup = fakes.NewMemoryDedupStore()
		dedup = h.dedup
	}
	h.tracker, h.clock = newTestTracker(DefaultAlertThreshold)
	h.metrics = observability.NewMetrics("test", prometheus.NewRegistry())
	h.consumer = New(
		fakes.NewRecordingBroker(),
		dedup,
		h.tracker,
		audit.NewLogger(audit.Config{Output: h.audit}),
		Config{Topic: "rate-limit-events"},
		observability.NopLogger(),
		h.metrics,
		observability.NewTracer("test"),
	)
	return h
}

func eventMessage(t *testing.T, id string, event ratelimit.Event) broker.Message {
	t.Helper()
	body, err := events.EncodeEvent(event)
	require.NoError(t, err)
	msg := broker.NewMessage("rate-limit-events", event.Tag(), event.APIKey, body)
	msg.ID = id
	return msg
}

func blocked(apiKey string) ratelimit.Event {
	ttl := int64(30)
	return ratelimit.NewBlockedEvent(apiKey, 11, 10, &ttl)
}

func TestConsumer_DuplicateIsProcessedOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	msg := eventMessage(t, "m-1", blocked("k1"))

	require.NoError(t, h.consumer.Handle(ctx, msg))
	require.NoError(t, h.consumer.Handle(ctx, msg))

	stats := h.consumer.Stats()
	assert.Equal(t, int64(1), stats.TotalBlocked)
	assert.Equal(t, int64(1), stats.TotalConsumed)
	assert.Equal(t, int64(1), stats.TotalDuplicates)
	assert.Equal(t, 1, h.audit.count("[AUDIT] BLOCKED"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsDuplicateTotal))
	assert.True(t, h.dedup.Has("m-1"))
}

func TestConsumer_ConfigChangeIsAudited(t *testing.T) {
	h := newHarness(t, nil)

	err := h.consumer.Handle(context.Background(),
		eventMessage(t, "m-1", ratelimit.NewConfigChangeEvent("k1", ratelimit.ActionCreated)))
	require.NoError(t, err)

	stats := h.consumer.Stats()
	assert.Equal(t, int64(1), stats.TotalConfigChange)
	assert.Equal(t, int64(0), stats.TotalBlocked)
	assert.Equal(t, 1, h.audit.count("[AUDIT] CONFIG_CHANGE - apiKey=k1, message=Rate limit configuration created"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsConsumedTotal.WithLabelValues("CONFIG_CHANGE")))
}

func TestConsumer_AlertEdge(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, h.consumer.Handle(ctx, eventMessage(t, fmt.Sprintf("b-%d", i), blocked("k1"))))
	}
	assert.Equal(t, 1, h.audit.count("[ALERT]"))
	assert.Equal(t, 1, h.audit.count("apiKey=k1, blockedCount=100 in last 60 seconds"))

	require.NoError(t, h.consumer.Handle(ctx, eventMessage(t, "b-101", blocked("k1"))))
	assert.Equal(t, 1, h.audit.count("[ALERT]"))
	assert.Equal(t, 101, h.consumer.Stats().BlockedByAPIKey["k1"])

	h.clock.Advance(61 * time.Second)
	require.NoError(t, h.consumer.Handle(ctx, eventMessage(t, "b-late", blocked("k1"))))
	assert.Equal(t, 1, h.consumer.Stats().BlockedByAPIKey["k1"])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AlertsTotal))
}

func TestConsumer_DecodeFailureReleasesMarker(t *testing.T) {
	h := newHarness(t, nil)
	msg := broker.Message{ID: "m-bad", Topic: "rate-limit-events", Body: []byte("{not json")}

	err := h.consumer.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, h.dedup.Has("m-bad"), "a failed message must not be deduped on redelivery")
	assert.Equal(t, int64(0), h.consumer.Stats().TotalConsumed)

	// The redelivery with a good body is processed.
	good := eventMessage(t, "m-bad", blocked("k1"))
	require.NoError(t, h.consumer.Handle(context.Background(), good))
	assert.Equal(t, int64(1), h.consumer.Stats().TotalBlocked)
}

func TestConsumer_DedupErrorAssumesNew(t *testing.T) {
	store := fakes.NewMemoryDedupStore()
	store.Err = ratelimit.WrapError(ratelimit.ErrStoreDown, "setnx failed", fakes.ErrInjected)
	h := newHarness(t, store)
	msg := eventMessage(t, "m-1", blocked("k1"))

	require.NoError(t, h.consumer.Handle(context.Background(), msg))
	require.NoError(t, h.consumer.Handle(context.Background(), msg))

	stats := h.consumer.Stats()
	assert.Equal(t, int64(2), stats.TotalBlocked, "without dedup every delivery is processed")
	assert.Equal(t, int64(0), stats.TotalDuplicates)
}

func TestConsumer_UnknownTypeIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	unknown := broker.Message{ID: "m-1", Body: []byte(`{"apiKey":"k1","eventType":"SOMETHING","message":"x"}`)}
	require.NoError(t, h.consumer.Handle(ctx, unknown))

	empty := broker.Message{ID: "m-2", Body: []byte(`{"apiKey":"k1","message":"x"}`)}
	require.NoError(t, h.consumer.Handle(ctx, empty))

	stats := h.consumer.Stats()
	assert.Equal(t, int64(0), stats.TotalBlocked)
	assert.Equal(t, int64(0), stats.TotalConfigChange)
	assert.Equal(t, int64(2), stats.TotalConsumed)
	assert.Equal(t, 0, h.audit.count("[AUDIT]"))
}

func TestConsumer_MessageWithoutIDSkipsDedup(t *testing.T) {
	h := newHarness(t, nil)
	msg := eventMessage(t, "", blocked("k1"))

	require.NoError(t, h.consumer.Handle(context.Background(), msg))
	require.NoError(t, h.consumer.Handle(context.Background(), msg))

	assert.Equal(t, int64(2), h.consumer.Stats().TotalBlocked)
}

func TestConsumer_RedisDedupMarker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewFromUniversal(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), observability.NopLogger())
	t.Cleanup(func() { _ = client.Close() })

	h := newHarness(t, client)
	msg := eventMessage(t, "m-42", blocked("k1"))

	require.NoError(t, h.consumer.Handle(context.Background(), msg))
	key := ratelimit.DedupKey("m-42")
	require.True(t, mr.Exists(key))
	assert.Equal(t, DefaultDedupTTL, mr.TTL(key))

	require.NoError(t, h.consumer.Handle(context.Background(), msg))
	assert.Equal(t, int64(1), h.consumer.Stats().TotalDuplicates)
}

func TestConsumer_ConcurrentDeliveriesOfSameMessage(t *testing.T) {
	h := newHarness(t, nil)
	msg := eventMessage(t, "m-1", blocked("k1"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.consumer.Handle(context.Background(), msg)
		}()
	}
	wg.Wait()

	stats := h.consumer.Stats()
	assert.Equal(t, int64(1), stats.TotalBlocked)
	assert.Equal(t, int64(3), stats.TotalDuplicates)
}

func TestConsumer_RunSubscribesUntilCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.consumer.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
