// Package rmq is the RabbitMQ edge of the service: topic-exchange
// publishing and prefetch-1 consuming with bounded retry and a
// dead-letter path.
package rmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeKindTopic = "topic"
	contentTypeJSON   = "application/json"
)

// Connection owns the AMQP connection shared by publishers and consumers.
type Connection struct {
	conn *amqp.Connection
}

// Dial connects to the broker.
func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	return &Connection{conn: conn}, nil
}

// Close tears the connection down, closing every channel on it.
func (connection *Connection) Close() error {
	return connection.conn.Close()
}

// Publisher sends persistent JSON messages to topic exchanges. It
// implements event.Bus.
type Publisher struct {
	channel *amqp.Channel
}

// NewPublisher opens a channel and declares the given exchanges.
func NewPublisher(connection *Connection, exchanges ...string) (*Publisher, error) {
	channel, err := connection.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	for _, exchange := range exchanges {
		if err := channel.ExchangeDeclare(exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}
	return &Publisher{channel: channel}, nil
}

// Publish sends one message.
func (publisher *Publisher) Publish(ctx context.Context, exchange string, routingKey string, body []byte) error {
	return publisher.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Close releases the channel.
func (publisher *Publisher) Close() error {
	return publisher.channel.Close()
}
