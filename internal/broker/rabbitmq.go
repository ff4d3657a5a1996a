package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
)

// RabbitMQBroker implements the Broker interface using a RabbitMQ topic exchange.
type RabbitMQBroker struct {
	mu          sync.RWMutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	url         string
	queue       string
	logger      *slog.Logger
	healthy     bool
	closed      bool
	notifyClose chan *amqp.Error
	declared    map[string]bool
}

// NewRabbitMQBroker creates a new RabbitMQ broker with auto-recovery.
// queue names the durable queue shared by all consumers of the group.
func NewRabbitMQBroker(url, queue string, logger *slog.Logger) (*RabbitMQBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &RabbitMQBroker{
		url:      url,
		queue:    queue,
		logger:   logger,
		declared: make(map[string]bool),
	}

	if err := b.connect(); err != nil {
		return nil, err
	}

	go b.handleReconnect()

	return b, nil
}

func (b *RabbitMQBroker) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return ratelimit.WrapError(ratelimit.ErrBrokerDown, "failed to connect to RabbitMQ", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return ratelimit.WrapError(ratelimit.ErrBrokerDown, "failed to open channel", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.channel = channel
	b.healthy = true
	b.declared = make(map[string]bool)
	b.notifyClose = make(chan *amqp.Error, 1)
	b.conn.NotifyClose(b.notifyClose)
	b.mu.Unlock()

	return nil
}

func (b *RabbitMQBroker) handleReconnect() {
	for {
		b.mu.RLock()
		notify := b.notifyClose
		b.mu.RUnlock()

		err, ok := <-notify
		if !ok || err == nil {
			return
		}

		b.mu.Lock()
		b.healthy = false
		b.mu.Unlock()
		b.logger.Warn("rabbitmq connection lost", slog.String("reason", err.Reason))

		retryErr := backoff.Retry(func() error {
			b.mu.RLock()
			closed := b.closed
			b.mu.RUnlock()
			if closed {
				return backoff.Permanent(ratelimit.ErrBrokerDown)
			}
			return b.connect()
		}, DefaultBackOff())
		if retryErr != nil {
			return
		}
		b.logger.Info("rabbitmq reconnected")
	}
}

func (b *RabbitMQBroker) declareExchange(ch *amqp.Channel, topic string) error {
	b.mu.RLock()
	done := b.declared[topic]
	b.mu.RUnlock()
	if done {
		return nil
	}

	err := ch.ExchangeDeclare(
		topic,   // name
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return ratelimit.WrapError(ratelimit.ErrBrokerDown, "failed to declare exchange", err)
	}

	b.mu.Lock()
	b.declared[topic] = true
	b.mu.Unlock()
	return nil
}

// Publish sends msg to the topic exchange routed by its tag.
func (b *RabbitMQBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	channel := b.channel
	closed := b.closed
	b.mu.RUnlock()

	if closed || channel == nil {
		return ratelimit.ErrBrokerDown
	}

	if err := b.declareExchange(channel, msg.Topic); err != nil {
		return err
	}

	err := channel.PublishWithContext(ctx,
		msg.Topic, // exchange
		msg.Tag,   // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         msg.Tag,
			Headers:      amqp.Table{"key": msg.Key},
			Body:         msg.Body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return ratelimit.WrapError(ratelimit.ErrBrokerDown, "failed to publish message", err)
	}

	return nil
}

// Subscribe consumes the group queue until ctx is cancelled, resubscribing after reconnects.
func (b *RabbitMQBroker) Subscribe(ctx context.Context, topic string, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	retry := DefaultBackOff()
	for {
		err := b.consume(ctx, topic, workers, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			retry.Reset()
		} else {
			b.logger.WarnContext(ctx, "rabbitmq consume interrupted", slog.Any("error", err))
		}

		select {
		case <-time.After(retry.NextBackOff()):
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *RabbitMQBroker) consume(ctx context.Context, topic string, workers int, handler Handler) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return ratelimit.ErrBrokerDown
	}

	ch, err := conn.Channel()
	if err != nil {
		return ratelimit.WrapError(ratelimit.ErrBrokerDown, "failed to open consumer channel", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(topic, "topic", true, false, false, false, nil); err != nil {
		return ratelimit.WrapError(ratelimit.ErrBrokerDown, "failed to declare exchange", err)
	}

	queue, err := ch.QueueDeclare(
		b.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return ratelimit.WrapError(ratelimit.ErrBrokerDown, "failed to declare queue", err)
	}

	if err := ch.QueueBind(queue.Name, "#", topic, false, nil); err != nil {
		return ratelimit.WrapError(ratelimit.ErrBrokerDown, "failed to bind queue", err)
	}

	if err := ch.Qos(workers, 0, false); err != nil {
		return ratelimit.WrapError(ratelimit.ErrBrokerDown, "failed to set qos", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		queue.Name, // queue
		"",         // consumer
		false,      // auto-ack
		false,      // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return ratelimit.WrapError(ratelimit.ErrBrokerDown, "failed to start consuming", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				b.deliver(ctx, d, handler)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (b *RabbitMQBroker) deliver(ctx context.Context, d amqp.Delivery, handler Handler) {
	key, _ := d.Headers["key"].(string)
	msg := Message{
		ID:    d.MessageId,
		Topic: d.Exchange,
		Tag:   d.Type,
		Key:   key,
		Body:  d.Body,
	}

	if err := handler(ctx, msg); err != nil {
		if nackErr := d.Nack(false, true); nackErr != nil {
			b.logger.WarnContext(ctx, "rabbitmq nack failed", slog.Any("error", nackErr))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		b.logger.WarnContext(ctx, "rabbitmq ack failed", slog.Any("error", err))
	}
}

// Close closes the broker connection.
func (b *RabbitMQBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.healthy = false

	var errs []error
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Healthy returns whether the broker is healthy.
func (b *RabbitMQBroker) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy && !b.closed
}
