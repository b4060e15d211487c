package channel

import (
	"context"
	"fmt"
	"time"

	"postingrelay/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPChannel is the subset of *amqp.Channel used by RabbitMQ.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

type RabbitMQOptions struct {
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int
}

// RabbitMQ publishes to a topic exchange and consumes one queue with manual
// acks. Failed deliveries are rejected without requeue so the queue's
// dead-letter exchange takes over.
type RabbitMQ struct {
	conn *amqp.Connection
	ch   AMQPChannel
	opts RabbitMQOptions
}

func NewRabbitMQ(ch AMQPChannel, opts RabbitMQOptions) *RabbitMQ {
	return &RabbitMQ{ch: ch, opts: opts}
}

// DialRabbitMQ connects and declares the exchange, the inbound queue and its
// dead-letter topology.
func DialRabbitMQ(url string, opts RabbitMQOptions) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := declareTopology(ch, opts); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &RabbitMQ{conn: conn, ch: ch, opts: opts}, nil
}

func declareTopology(ch *amqp.Channel, opts RabbitMQOptions) error {
	dlx := opts.Exchange + ".dlx"
	if err := ch.ExchangeDeclare(opts.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}
	if _, err := ch.QueueDeclare(opts.Queue+".dlq", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(opts.Queue+".dlq", "", dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	if _, err := ch.QueueDeclare(opts.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": dlx,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", opts.Queue, err)
	}
	if err := ch.QueueBind(opts.Queue, opts.BindingKey, opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", opts.Queue, err)
	}
	return nil
}

// Publish routes by event type when one is given, otherwise by key.
func (r *RabbitMQ) Publish(ctx context.Context, key, payload, eventType string) error {
	headers := amqp.Table{}
	for k, v := range envelopeHeaders(ctx, key, eventType) {
		headers[k] = v
	}
	routingKey := key
	if eventType != "" {
		routingKey = eventType
	}

	err := r.ch.PublishWithContext(ctx, r.opts.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         []byte(payload),
	})
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %w", ErrPublish, r.opts.Exchange, err)
	}
	return nil
}

func (r *RabbitMQ) Subscribe(ctx context.Context, handler Handler) error {
	if r.opts.Prefetch > 0 {
		if err := r.ch.Qos(r.opts.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	deliveries, err := r.ch.Consume(r.opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", r.opts.Queue, err)
	}

	logger.Info("rabbitmq consumer started", zap.String("queue", r.opts.Queue))

	for {
		select {
		case <-ctx.Done():
			logger.Info("rabbitmq consumer stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrChannelClosed
			}
			r.deliver(ctx, handler, d)
		}
	}
}

func (r *RabbitMQ) deliver(ctx context.Context, handler Handler, d amqp.Delivery) {
	msg := Message{ID: d.MessageId, Headers: make(map[string]string, len(d.Headers)), Payload: d.Body}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%d", d.DeliveryTag)
	}
	for k, v := range d.Headers {
		msg.Headers[k] = fmt.Sprint(v)
	}

	if err := handler(ctx, msg); err != nil {
		logger.Warn("inbound message handling failed, dead-lettering",
			zap.String("message_id", msg.ID), zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			logger.Error("failed to nack delivery", zap.String("message_id", msg.ID), zap.Error(nackErr))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Error("failed to ack delivery", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (r *RabbitMQ) Health(ctx context.Context) error {
	if r.conn != nil && r.conn.IsClosed() {
		return ErrChannelClosed
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	if err := r.ch.Close(); err != nil {
		return err
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
