// Package broker provides message broker implementations for rate limit events.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/auth-platform/rate-limiter-service/internal/config"
)

// Message is one broker record. ID is stable across redeliveries.
type Message struct {
	ID    string
	Topic string
	Tag   string
	Key   string
	Body  []byte
}

// NewMessage stamps a fresh message id.
func NewMessage(topic, tag, key string, body []byte) Message {
	return Message{
		ID:    uuid.NewString(),
		Topic: topic,
		Tag:   tag,
		Key:   key,
		Body:  body,
	}
}

// Handler processes one delivered message. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Broker defines the message broker interface.
type Broker interface {
	// Publish sends msg and returns once the broker accepted it.
	Publish(ctx context.Context, msg Message) error

	// Subscribe delivers messages of topic to handler on workers goroutines.
	// It blocks until ctx is cancelled.
	Subscribe(ctx context.Context, topic string, workers int, handler Handler) error

	// Close closes the broker connection.
	Close() error

	// Healthy returns whether the broker is healthy.
	Healthy() bool
}

// New builds the broker selected by cfg.Type.
func New(cfg config.BrokerConfig, logger *slog.Logger) (Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(cfg.Type) {
	case "kafka":
		return NewKafkaBroker(splitAddresses(cfg.URL), cfg.GroupID, cfg.MaxRedeliveries, logger), nil
	case "rabbitmq":
		return NewRabbitMQBroker(cfg.URL, cfg.GroupID, logger)
	case "none", "":
		return NewNoOpBroker(), nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

func splitAddresses(url string) []string {
	var out []string
	for _, addr := range strings.Split(url, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// DefaultBackOff returns the exponential backoff used for reconnects and redeliveries.
func DefaultBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2.0
	b.MaxElapsedTime = 0
	return b
}

// NoOpBroker is a no-operation broker for when messaging is disabled.
type NoOpBroker struct{}

// NewNoOpBroker creates a new no-op broker.
func NewNoOpBroker() *NoOpBroker {
	return &NoOpBroker{}
}

// Publish does nothing.
func (b *NoOpBroker) Publish(ctx context.Context, msg Message) error {
	return nil
}

// Subscribe blocks until ctx is done.
func (b *NoOpBroker) Subscribe(ctx context.Context, topic string, workers int, handler Handler) error {
	<-ctx.Done()
	return nil
}

// Close does nothing.
func (b *NoOpBroker) Close() error {
	return nil
}

// Healthy always returns true.
func (b *NoOpBroker) Healthy() bool {
	return true
}
