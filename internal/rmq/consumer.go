package rmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const retryCountHeader = "x-retry-count"

// Handler processes one message body. A nil return acknowledges the
// message; an error sends it through the retry/dead-letter policy.
type Handler func(ctx context.Context, body []byte) error

// ConsumerConfig describes one subscription.
type ConsumerConfig struct {
	Exchange           string
	Queue              string
	RoutingKey         string
	DeadLetterExchange string
	MaxRetries         int
	// Retryable classifies handler errors; nil means every error is
	// retried up to MaxRetries.
	Retryable func(error) bool
}

// Consumer binds a queue to a topic exchange and serializes message
// handling with a prefetch of one. Messages are acknowledged only
// after the handler returns, so a crash before the ack leads to
// redelivery rather than loss; handlers are idempotent for that
// reason. Failed messages are republished with an incremented retry
// header, and dead-lettered once the retry budget is spent.
type Consumer struct {
	channel *amqp.Channel
	config  ConsumerConfig
	handler Handler
	logger  *zap.Logger
}

// NewConsumer opens a channel, declares the exchange, queue and
// dead-letter exchange, and binds the routing key.
func NewConsumer(connection *Connection, config ConsumerConfig, handler Handler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("consumer handler is nil")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	channel, err := connection.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := channel.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	if err := channel.ExchangeDeclare(config.Exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", config.Exchange, err)
	}
	if config.DeadLetterExchange != "" {
		if err := channel.ExchangeDeclare(config.DeadLetterExchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare dead-letter exchange %s: %w", config.DeadLetterExchange, err)
		}
	}
	queue, err := channel.QueueDeclare(config.Queue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", config.Queue, err)
	}
	if err := channel.QueueBind(queue.Name, config.RoutingKey, config.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s: %w", queue.Name, err)
	}
	return &Consumer{channel: channel, config: config, handler: handler, logger: logger}, nil
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (consumer *Consumer) Run(ctx context.Context) error {
	deliveries, err := consumer.channel.Consume(consumer.config.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumer.config.Queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return consumer.channel.Close()
		case delivery, open := <-deliveries:
			if !open {
				return nil
			}
			consumer.dispatch(ctx, delivery)
		}
	}
}

func (consumer *Consumer) dispatch(ctx context.Context, delivery amqp.Delivery) {
	messagesConsumed.WithLabelValues(consumer.config.Queue).Inc()

	err := consumer.handler(ctx, delivery.Body)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			consumer.logger.Error("ack failed", zap.String("queue", consumer.config.Queue), zap.Error(ackErr))
		}
		return
	}

	attempts := retryCount(delivery.Headers)
	retryable := consumer.config.Retryable == nil || consumer.config.Retryable(err)
	if retryable && attempts < consumer.config.MaxRetries {
		consumer.requeue(ctx, delivery, attempts+1, err)
		return
	}
	consumer.deadLetter(ctx, delivery, attempts, err)
}

// requeue republishes the message with an incremented retry header and
// acknowledges the original, so redelivery is explicit and bounded
// instead of an immediate nack loop.
func (consumer *Consumer) requeue(ctx context.Context, delivery amqp.Delivery, attempt int, cause error) {
	messagesRetried.WithLabelValues(consumer.config.Queue).Inc()
	consumer.logger.Warn("event handling failed, retrying",
		zap.String("queue", consumer.config.Queue),
		zap.Int("attempt", attempt),
		zap.Error(cause))

	headers := amqp.Table{}
	for key, value := range delivery.Headers {
		headers[key] = value
	}
	headers[retryCountHeader] = int32(attempt)
	err := consumer.channel.PublishWithContext(ctx, consumer.config.Exchange, delivery.RoutingKey, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         delivery.Body,
	})
	if err != nil {
		// Could not republish; leave the message to the broker's
		// redelivery instead of dropping it.
		consumer.logger.Error("retry publish failed", zap.String("queue", consumer.config.Queue), zap.Error(err))
		_ = delivery.Nack(false, true)
		return
	}
	_ = delivery.Ack(false)
}

func (consumer *Consumer) deadLetter(ctx context.Context, delivery amqp.Delivery, attempts int, cause error) {
	messagesDeadLettered.WithLabelValues(consumer.config.Queue).Inc()
	consumer.logger.Error("event handling failed permanently, dead-lettering",
		zap.String("queue", consumer.config.Queue),
		zap.String("routing_key", delivery.RoutingKey),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	if consumer.config.DeadLetterExchange != "" {
		err := consumer.channel.PublishWithContext(ctx, consumer.config.DeadLetterExchange, delivery.RoutingKey, false, false, amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			Headers:      delivery.Headers,
			Body:         delivery.Body,
		})
		if err != nil {
			consumer.logger.Error("dead-letter publish failed", zap.String("queue", consumer.config.Queue), zap.Error(err))
			_ = delivery.Nack(false, true)
			return
		}
	}
	_ = delivery.Ack(false)
}

func retryCount(headers amqp.Table) int {
	raw, ok := headers[retryCountHeader]
	if !ok {
		return 0
	}
	switch value := raw.(type) {
	case int32:
		return int(value)
	case int64:
		return int(value)
	case int:
		return value
	}
	return 0
}
