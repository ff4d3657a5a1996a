// Package consumer processes rate limit events delivered by the broker.
// Delivery is at least once; a dedup marker per message id makes processing effectively once.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/auth-platform/rate-limiter-service/internal/audit"
	"github.com/auth-platform/rate-limiter-service/internal/broker"
	"github.com/auth-platform/rate-limiter-service/internal/events"
	"github.com/auth-platform/rate-limiter-service/internal/observability"
	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
)

// DefaultDedupTTL is how long a processed message id is remembered.
const DefaultDedupTTL = 24 * time.Hour

// Config holds consumer configuration.
type Config struct {
	Topic    string
	Workers  int
	DedupTTL time.Duration
}

// Stats is a read-only snapshot of consumer counters.
type Stats struct {
	TotalBlocked      int64          `json:"totalBlocked"`
	TotalConfigChange int64          `json:"totalConfigChange"`
	TotalConsumed     int64          `json:"totalConsumed"`
	TotalDuplicates   int64          `json:"totalDuplicates"`
	BlockedByAPIKey   map[string]int `json:"blockedByApiKey"`
}

// Consumer handles broker messages: dedup, decode, audit and alert.
type Consumer struct {
	broker  broker.Broker
	dedup   ratelimit.DedupStore
	alerts  *AlertTracker
	audit   *audit.Logger
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	totalBlocked      atomic.Int64
	totalConfigChange atomic.Int64
	totalConsumed     atomic.Int64
	totalDuplicates   atomic.Int64
}

// New creates a consumer.
func New(b broker.Broker, dedup ratelimit.DedupStore, alerts *AlertTracker, auditLog *audit.Logger, cfg Config,
	logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Consumer {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	if auditLog == nil {
		auditLog = audit.NewLogger(audit.Config{})
	}
	if alerts == nil {
		alerts = NewAlertTracker(TrackerConfig{})
	}

	return &Consumer{
		broker:  b,
		dedup:   dedup,
		alerts:  alerts,
		audit:   auditLog,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

// Run subscribes to the topic and blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("event consumer starting",
		slog.String("topic", c.cfg.Topic),
		slog.Int("workers", c.cfg.Workers),
	)
	return c.broker.Subscribe(ctx, c.cfg.Topic, c.cfg.Workers, c.Handle)
}

// Handle processes one delivery. A returned error asks the broker to redeliver.
func (c *Consumer) Handle(ctx context.Context, msg broker.Message) (err error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.StartKeyOperation(ctx, observability.SpanConsume, msg.Key)
		defer func() {
			if err != nil {
				observability.RecordError(span, err)
			}
			span.End()
		}()
	}

	marked := false
	if msg.ID != "" {
		isNew, acquireErr := c.dedup.Acquire(ctx, msg.ID, c.cfg.DedupTTL)
		switch {
		case acquireErr != nil:
			c.logger.WarnContext(ctx, "dedup check failed, processing message",
				slog.String("message_id", msg.ID),
				slog.Any("error", acquireErr),
			)
		case !isNew:
			c.totalDuplicates.Add(1)
			if c.metrics != nil {
				c.metrics.RecordDuplicate()
			}
			c.logger.DebugContext(ctx, "duplicate message ignored", slog.String("message_id", msg.ID))
			return nil
		default:
			marked = true
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing message %s: %v", msg.ID, r)
		}
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to process message",
				slog.String("message_id", msg.ID),
				slog.String("trace_id", observability.GetTraceID(ctx)),
				slog.Any("error", err),
			)
			if marked {
				c.release(ctx, msg.ID)
			}
		}
	}()

	event, err := events.DecodeEvent(msg.Body)
	if err != nil {
		return err
	}

	c.logger.DebugContext(ctx, "received message",
		slog.String("message_id", msg.ID),
		slog.String("event_type", event.Tag()),
		slog.String("api_key", event.APIKey),
	)

	c.process(ctx, msg.ID, event)
	c.totalConsumed.Add(1)
	return nil
}

func (c *Consumer) process(ctx context.Context, msgID string, event ratelimit.Event) {
	switch event.EventType {
	case ratelimit.EventBlocked:
		c.totalBlocked.Add(1)
		c.recordConsumed(event)
		c.audit.Blocked(ctx, msgID, event)
		c.checkAlert(ctx, event.APIKey)
	case ratelimit.EventConfigChange:
		c.totalConfigChange.Add(1)
		c.recordConsumed(event)
		c.audit.ConfigChange(ctx, msgID, event)
	case "":
		c.logger.WarnContext(ctx, "event type is empty, ignoring message", slog.String("message_id", msgID))
	default:
		c.logger.WarnContext(ctx, "unknown event type, ignoring message",
			slog.String("message_id", msgID),
			slog.String("event_type", event.Tag()),
		)
	}
}

func (c *Consumer) checkAlert(ctx context.Context, apiKey string) {
	count, crossed := c.alerts.Record(apiKey)
	if c.metrics != nil {
		c.metrics.SetAlertWindows(c.alerts.Size())
	}
	if !crossed {
		return
	}

	c.audit.Alert(ctx, apiKey, count, c.alerts.Window())
	if c.metrics != nil {
		c.metrics.RecordAlert()
	}
}

func (c *Consumer) release(ctx context.Context, msgID string) {
	if err := c.dedup.Release(context.WithoutCancel(ctx), msgID); err != nil {
		c.logger.WarnContext(ctx, "failed to release dedup marker",
			slog.String("message_id", msgID),
			slog.Any("error", err),
		)
	}
}

func (c *Consumer) recordConsumed(event ratelimit.Event) {
	if c.metrics != nil {
		c.metrics.RecordConsumed(event.Tag())
	}
}

// Stats returns the current consumer counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		TotalBlocked:      c.totalBlocked.Load(),
		TotalConfigChange: c.totalConfigChange.Load(),
		TotalConsumed:     c.totalConsumed.Load(),
		TotalDuplicates:   c.totalDuplicates.Load(),
		BlockedByAPIKey:   c.alerts.Snapshot(),
	}
}
