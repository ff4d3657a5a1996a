package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
)

// Kafka header names carrying broker metadata.
const (
	HeaderMessageID = "message-id"
	HeaderTag       = "tag"
)

// KafkaBroker implements the Broker interface using Kafka.
type KafkaBroker struct {
	mu              sync.RWMutex
	writer          *kafka.Writer
	brokers         []string
	groupID         string
	maxRedeliveries int
	retryBackOff    func() backoff.BackOff
	logger          *slog.Logger
	healthy         bool
	closed          bool
}

// NewKafkaBroker creates a new Kafka broker.
func NewKafkaBroker(brokers []string, groupID string, maxRedeliveries int, logger *slog.Logger) *KafkaBroker {
	if maxRedeliveries < 0 {
		maxRedeliveries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Hash keeps every event of one api key on one partition.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	return &KafkaBroker{
		writer:          writer,
		brokers:         brokers,
		groupID:         groupID,
		maxRedeliveries: maxRedeliveries,
		retryBackOff:    func() backoff.BackOff { return DefaultBackOff() },
		logger:          logger,
		healthy:         true,
	}
}

// Publish sends msg with its id and tag as headers.
func (b *KafkaBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	writer := b.writer
	closed := b.closed
	b.mu.RUnlock()

	if closed || writer == nil {
		return ratelimit.ErrBrokerDown
	}

	err := writer.WriteMessages(ctx, toKafkaMessage(msg))
	b.mu.Lock()
	b.healthy = err == nil
	b.mu.Unlock()
	if err != nil {
		return ratelimit.WrapError(ratelimit.ErrBrokerDown, "failed to publish message", err)
	}

	return nil
}

// Subscribe joins the consumer group and feeds workers until ctx is cancelled.
// Messages of one partition always go to the same worker, so commits stay ordered.
func (b *KafkaBroker) Subscribe(ctx context.Context, topic string, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    topic,
		GroupID:  b.groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	queues := make([]chan kafka.Message, workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafka.Message, 1)
		wg.Add(1)
		go func(q <-chan kafka.Message) {
			defer wg.Done()
			for m := range q {
				b.process(ctx, reader, m, handler)
			}
		}(queues[i])
	}

	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.WarnContext(ctx, "kafka fetch failed", slog.Any("error", err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		select {
		case queues[partitionWorker(m.Partition, workers)] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *KafkaBroker) process(ctx context.Context, reader *kafka.Reader, m kafka.Message, handler Handler) {
	b.handleWithRetry(ctx, fromKafkaMessage(m), handler, func(ctx context.Context) error {
		return reader.CommitMessages(ctx, m)
	})
}

// handleWithRetry runs handler up to maxRedeliveries+1 times, then commits.
// A message that still fails is committed and dropped. Nothing is committed
// once ctx is cancelled.
func (b *KafkaBroker) handleWithRetry(ctx context.Context, msg Message, handler Handler, commit func(context.Context) error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(b.retryBackOff(), uint64(b.maxRedeliveries)), ctx)
	err := backoff.Retry(func() error { return handler(ctx, msg) }, policy)
	if ctx.Err() != nil {
		// Uncommitted; the group redelivers it after restart.
		return
	}
	if err != nil {
		b.logger.ErrorContext(ctx, "dropping message after redeliveries",
			slog.String("message_id", msg.ID),
			slog.Int("redeliveries", b.maxRedeliveries),
			slog.Any("error", err),
		)
	}

	if err := commit(ctx); err != nil && ctx.Err() == nil {
		b.logger.WarnContext(ctx, "kafka commit failed",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
	}
}

// partitionWorker maps a partition to a fixed worker index.
func partitionWorker(partition, workers int) int {
	return partition % workers
}

// Close closes the broker connection.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.healthy = false

	if b.writer != nil {
		return b.writer.Close()
	}
	return nil
}

// Healthy reports whether the last publish succeeded.
func (b *KafkaBroker) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy && !b.closed
}

func toKafkaMessage(msg Message) kafka.Message {
	return kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Body,
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(msg.ID)},
			{Key: HeaderTag, Value: []byte(msg.Tag)},
		},
		Time: time.Now(),
	}
}

func fromKafkaMessage(m kafka.Message) Message {
	msg := Message{
		Topic: m.Topic,
		Key:   string(m.Key),
		Body:  m.Value,
	}
	for _, h := range m.Headers {
		switch h.Key {
		case HeaderMessageID:
			msg.ID = string(h.Value)
		case HeaderTag:
			msg.Tag = string(h.Value)
		}
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
	}
	return msg
}
