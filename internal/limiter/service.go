// Package limiter implements the admission decision engine and policy management.
//
// The engine is fail open: when the counter store or the policy lookup fails,
// requests are allowed and the failure is logged.
package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/auth-platform/rate-limiter-service/internal/observability"
	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
)

// DefaultMaxPageSize bounds ListLimits.
const DefaultMaxPageSize = 100

// PolicyCache resolves policies cache-aside and writes them through.
type PolicyCache interface {
	Get(ctx context.Context, apiKey string) (*ratelimit.Policy, error)
	Put(ctx context.Context, p *ratelimit.Policy)
	Evict(ctx context.Context, apiKey string)
}

// ServiceConfig holds decision engine configuration.
type ServiceConfig struct {
	MaxPageSize int
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
}

// Service is the admission decision engine.
type Service struct {
	repo        ratelimit.PolicyRepository
	cache       PolicyCache
	counters    ratelimit.CounterStore
	publisher   ratelimit.EventPublisher
	maxPageSize int
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
}

// NewService creates a new decision engine.
func NewService(repo ratelimit.PolicyRepository, cache PolicyCache, counters ratelimit.CounterStore,
	publisher ratelimit.EventPublisher, cfg ServiceConfig) *Service {
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = DefaultMaxPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		repo:        repo,
		cache:       cache,
		counters:    counters,
		publisher:   publisher,
		maxPageSize: cfg.MaxPageSize,
		logger:      logger,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
	}
}

// CheckAccess counts one request for apiKey and decides whether it is admitted.
// It never fails: every internal error resolves to an allowed decision.
func (s *Service) CheckAccess(ctx context.Context, apiKey string) (decision ratelimit.Decision) {
	start := time.Now()

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.StartKeyOperation(ctx, observability.SpanCheck, apiKey)
		defer span.End()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "error checking API access",
				slog.String("api_key", apiKey),
				slog.Any("panic", r),
			)
			decision = allow(ratelimit.ReasonError, ratelimit.MessageError)
		}
		if span != nil {
			observability.AddAttribute(span, "ratelimit.outcome", decision.Reason.String())
			observability.AddAttribute(span, "ratelimit.allowed", decision.Allowed)
		}
		if s.metrics != nil {
			s.metrics.RecordCheck(decision.Reason.String(), time.Since(start).Seconds())
		}
	}()

	return s.check(ctx, apiKey)
}

func (s *Service) check(ctx context.Context, apiKey string) ratelimit.Decision {
	p, err := s.cache.Get(ctx, apiKey)
	if err != nil {
		if ratelimit.IsNotFound(err) {
			return allow(ratelimit.ReasonUnconfigured, ratelimit.MessageUnconfigured)
		}
		s.logger.ErrorContext(ctx, "error checking API access",
			slog.String("api_key", apiKey),
			slog.Any("error", err),
		)
		return allow(ratelimit.ReasonError, ratelimit.MessageError)
	}

	if !s.counters.Healthy(ctx) {
		s.logger.WarnContext(ctx, "redis unavailable, allowing request", slog.String("api_key", apiKey))
		return allow(ratelimit.ReasonDegraded, ratelimit.MessageDegraded)
	}

	count, err := s.counters.Increment(ctx, apiKey, p.WindowSeconds, p.LimitCount)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to execute rate limit, allowing request",
			slog.String("api_key", apiKey),
			slog.Any("error", err),
		)
		return allow(ratelimit.ReasonExecutionFailure, ratelimit.MessageExecutionFailure)
	}

	s.logger.InfoContext(ctx, "rate limit check",
		slog.String("api_key", apiKey),
		slog.Int64("current_count", count),
		slog.Int("limit", p.LimitCount),
	)

	var ttl *int64
	if v, err := s.counters.TTL(ctx, apiKey); err == nil {
		ttl = &v
	} else {
		s.logger.DebugContext(ctx, "window ttl unavailable",
			slog.String("api_key", apiKey),
			slog.Any("error", err),
		)
	}

	limit := p.LimitCount
	d := ratelimit.Decision{
		CurrentCount: &count,
		LimitCount:   &limit,
		RemainingTTL: ttl,
	}
	if count > int64(limit) {
		s.publisher.Publish(ratelimit.NewBlockedEvent(apiKey, count, limit, ttl))
		d.Allowed = false
		d.Message = ratelimit.MessageExceeded
		d.Reason = ratelimit.ReasonLimitExceeded
		return d
	}

	d.Allowed = true
	d.Message = ratelimit.MessageAllowed
	d.Reason = ratelimit.ReasonWithinLimit
	return d
}

func allow(reason ratelimit.Reason, message string) ratelimit.Decision {
	return ratelimit.Decision{Allowed: true, Message: message, Reason: reason}
}

// GetUsage reports the live window state for a configured key.
// Store errors read as an empty window; a missing policy returns ErrNotFound.
func (s *Service) GetUsage(ctx context.Context, apiKey string) (*ratelimit.Usage, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartKeyOperation(ctx, observability.SpanUsage, apiKey)
		defer span.End()
	}

	p, err := s.cache.Get(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	count, err := s.counters.Peek(ctx, apiKey)
	if err != nil {
		s.logger.WarnContext(ctx, "usage count unavailable", slog.String("api_key", apiKey), slog.Any("error", err))
		count = 0
	}
	ttl, err := s.counters.TTL(ctx, apiKey)
	if err != nil || ttl < 0 {
		ttl = 0
	}

	return &ratelimit.Usage{
		APIKey:        apiKey,
		CurrentCount:  count,
		LimitCount:    p.LimitCount,
		Remaining:     max(0, int64(p.LimitCount)-count),
		WindowTTL:     ttl,
		WindowSeconds: p.WindowSeconds,
	}, nil
}

// CreateLimit upserts a policy and writes it through the config cache.
// The live window counter is left as is.
func (s *Service) CreateLimit(ctx context.Context, apiKey string, limit, windowSeconds int) (*ratelimit.Policy, error) {
	p := &ratelimit.Policy{
		APIKey:        strings.TrimSpace(apiKey),
		LimitCount:    limit,
		WindowSeconds: windowSeconds,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	created, err := s.repo.Save(ctx, p)
	if err != nil {
		return nil, err
	}
	s.cache.Put(ctx, p)

	action := ratelimit.ActionUpdated
	if created {
		action = ratelimit.ActionCreated
	}
	s.publisher.Publish(ratelimit.NewConfigChangeEvent(p.APIKey, action))

	s.logger.InfoContext(ctx, "rate limit saved",
		slog.String("api_key", p.APIKey),
		slog.String("action", string(action)),
		slog.Int("limit", p.LimitCount),
		slog.Int("window_seconds", p.WindowSeconds),
	)
	return p, nil
}

// RemoveLimit deletes the policy, its cached copy and its window counter.
func (s *Service) RemoveLimit(ctx context.Context, apiKey string) error {
	exists, err := s.repo.ExistsByAPIKey(ctx, apiKey)
	if err != nil {
		return err
	}
	if !exists {
		return ratelimit.ErrNotFound
	}

	if err := s.repo.DeleteByAPIKey(ctx, apiKey); err != nil {
		return err
	}
	s.cache.Evict(ctx, apiKey)
	if err := s.counters.Evict(ctx, apiKey); err != nil {
		s.logger.WarnContext(ctx, "failed to evict window counter",
			slog.String("api_key", apiKey),
			slog.Any("error", err),
		)
	}

	s.publisher.Publish(ratelimit.NewConfigChangeEvent(apiKey, ratelimit.ActionDeleted))
	s.logger.InfoContext(ctx, "rate limit removed", slog.String("api_key", apiKey))
	return nil
}

// ListLimits returns one page of policies, newest first.
func (s *Service) ListLimits(ctx context.Context, page, size int) (ratelimit.LimitsPage, error) {
	if page < 0 {
		return ratelimit.LimitsPage{}, ratelimit.InvalidArgument("Page must not be negative")
	}
	if size > s.maxPageSize {
		return ratelimit.LimitsPage{}, ratelimit.InvalidArgument(fmt.Sprintf("Page size cannot exceed %d", s.maxPageSize))
	}
	if size < 1 {
		return ratelimit.LimitsPage{}, ratelimit.InvalidArgument("Page size must be positive")
	}

	limits, total, err := s.repo.List(ctx, page, size)
	if err != nil {
		return ratelimit.LimitsPage{}, err
	}
	return ratelimit.NewLimitsPage(limits, total, page, size), nil
}
