// Package events publishes rate limit events to the message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/auth-platform/rate-limiter-service/internal/broker"
	"github.com/auth-platform/rate-limiter-service/internal/observability"
	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
	"github.com/auth-platform/rate-limiter-service/internal/workerpool"
	"go.opentelemetry.io/otel/trace"
)

// Publish results recorded in metrics.
const (
	ResultSent        = "sent"
	ResultFailed      = "failed"
	ResultBreakerOpen = "breaker_open"
	ResultDropped     = "dropped"
	ResultRejected    = "rejected"
)

// Config holds publisher configuration.
type Config struct {
	Topic           string
	Workers         int
	QueueSize       int
	Cooldown        time.Duration
	SendTimeout     time.Duration
	MaxMessageBytes int
}

// Publisher hands events to the broker from a bounded worker pool.
// Publish never blocks and never returns an error.
type Publisher struct {
	broker  broker.Broker
	cfg     Config
	breaker *Breaker
	pool    *workerpool.Pool[ratelimit.Event]
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewPublisher creates a publisher. Call Start before publishing.
func NewPublisher(b broker.Broker, cfg Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	p := &Publisher{
		broker:  b,
		cfg:     cfg,
		breaker: NewBreaker(cfg.Cooldown),
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
	p.pool = workerpool.New(cfg.Workers, cfg.QueueSize, p.send,
		workerpool.WithErrorHandler(func(e ratelimit.Event, err error) {
			p.logger.Warn("event publish failed",
				slog.String("api_key", e.APIKey),
				slog.String("event_type", e.Tag()),
				slog.Any("error", err),
			)
		}),
	)
	return p
}

// Start starts the publishing workers.
func (p *Publisher) Start() {
	p.pool.Start()
}

// Shutdown drains queued events for up to timeout.
func (p *Publisher) Shutdown(timeout time.Duration) {
	if !p.pool.Shutdown(timeout) {
		p.logger.Warn("event publisher shutdown timed out", slog.Int("pending", p.pool.Stats().Pending))
	}
}

// Publish enqueues event unless the breaker is open or the queue is full.
func (p *Publisher) Publish(event ratelimit.Event) {
	if !p.breaker.Allow() {
		p.record(event, ResultBreakerOpen)
		p.logger.Debug("event skipped",
			slog.String("api_key", event.APIKey),
			slog.Any("error", ratelimit.ErrBreakerOpen),
		)
		return
	}
	if !p.pool.TrySubmit(event) {
		p.record(event, ResultDropped)
		p.logger.Debug("event dropped",
			slog.String("api_key", event.APIKey),
			slog.Any("error", ratelimit.ErrPoolFull),
		)
	}
}

// BreakerOpen reports whether sends are currently suppressed.
func (p *Publisher) BreakerOpen() bool {
	return p.breaker.Open()
}

// Stats returns the worker pool statistics.
func (p *Publisher) Stats() workerpool.Stats {
	return p.pool.Stats()
}

func (p *Publisher) send(ctx context.Context, event ratelimit.Event) error {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.StartKeyOperation(ctx, observability.SpanPublish, event.APIKey)
		defer span.End()
	}

	body, err := EncodeEvent(event)
	if err != nil {
		p.record(event, ResultRejected)
		return err
	}
	if p.cfg.MaxMessageBytes > 0 && len(body) > p.cfg.MaxMessageBytes {
		p.record(event, ResultRejected)
		return ratelimit.WrapError(ratelimit.ErrSerialization, "event payload too large",
			fmt.Errorf("%d bytes exceeds %d", len(body), p.cfg.MaxMessageBytes))
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	msg := broker.NewMessage(p.cfg.Topic, event.Tag(), event.APIKey, body)
	if err := p.broker.Publish(sendCtx, msg); err != nil {
		p.breaker.RecordFailure()
		p.setBreakerGauge()
		p.record(event, ResultFailed)
		return err
	}

	p.breaker.RecordSuccess()
	p.setBreakerGauge()
	p.record(event, ResultSent)
	p.logger.Debug("event published",
		slog.String("message_id", msg.ID),
		slog.String("api_key", event.APIKey),
		slog.String("event_type", event.Tag()),
	)
	return nil
}

func (p *Publisher) record(event ratelimit.Event, result string) {
	if p.metrics != nil {
		p.metrics.RecordPublish(event.Tag(), result)
	}
}

func (p *Publisher) setBreakerGauge() {
	if p.metrics != nil {
		p.metrics.SetBreakerOpen(p.breaker.Open())
	}
}

// EncodeEvent encodes an event to its JSON wire form.
func EncodeEvent(event ratelimit.Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, ratelimit.WrapError(ratelimit.ErrSerialization, "failed to encode event", err)
	}
	return data, nil
}

// DecodeEvent decodes an event from its JSON wire form.
func DecodeEvent(data []byte) (ratelimit.Event, error) {
	var event ratelimit.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return event, ratelimit.WrapError(ratelimit.ErrSerialization, "failed to decode event", err)
	}
	return event, nil
}
