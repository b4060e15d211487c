package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postingrelay/pkg/constraints"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeAMQPChannel struct {
	AMQPChannel

	mu         sync.Mutex
	published  []amqp.Publishing
	routingKey string
	publishErr error
	prefetch   int
	deliveries chan amqp.Delivery
}

func (f *fakeAMQPChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.routingKey = key
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeAMQPChannel) Close() error { return nil }

type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestRabbitMQPublish_RoutesByEventType(t *testing.T) {
	ch := &fakeAMQPChannel{}
	r := NewRabbitMQ(ch, RabbitMQOptions{Exchange: "posting.events"})

	if err := r.Publish(context.Background(), "100", `{"x":1}`, "transaction.posted"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ch.routingKey != "transaction.posted" {
		t.Errorf("expected routing by event type, got %q", ch.routingKey)
	}
	msg := ch.published[0]
	if msg.Headers[constraints.HeaderKey] != "100" {
		t.Errorf("expected key header 100, got %v", msg.Headers[constraints.HeaderKey])
	}
	if msg.DeliveryMode != amqp.Persistent {
		t.Error("expected persistent delivery")
	}
	if string(msg.Body) != `{"x":1}` {
		t.Errorf("unexpected body %s", msg.Body)
	}
}

func TestRabbitMQPublish_RoutesByKeyWithoutEventType(t *testing.T) {
	ch := &fakeAMQPChannel{}
	r := NewRabbitMQ(ch, RabbitMQOptions{Exchange: "posting.events"})

	if err := r.Publish(context.Background(), "55", "{}", ""); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ch.routingKey != "55" {
		t.Errorf("expected routing by key, got %q", ch.routingKey)
	}
	if _, ok := ch.published[0].Headers[constraints.HeaderEventType]; ok {
		t.Error("event type header must be omitted when empty")
	}
}

func TestRabbitMQPublish_WrapsError(t *testing.T) {
	ch := &fakeAMQPChannel{publishErr: amqp.ErrClosed}
	r := NewRabbitMQ(ch, RabbitMQOptions{Exchange: "posting.events"})

	err := r.Publish(context.Background(), "1", "{}", "")
	if !errors.Is(err, ErrPublish) || !errors.Is(err, amqp.ErrClosed) {
		t.Fatalf("expected ErrPublish wrapping amqp.ErrClosed, got %v", err)
	}
}

func TestRabbitMQSubscribe_AckAndNack(t *testing.T) {
	ch := &fakeAMQPChannel{deliveries: make(chan amqp.Delivery, 2)}
	r := NewRabbitMQ(ch, RabbitMQOptions{Queue: "inbound", Prefetch: 8})
	ack := &fakeAcknowledger{}

	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("ok"),
		Headers: amqp.Table{constraints.HeaderEventType: constraints.EventTransactionAuthorized}}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("bad")}
	close(ch.deliveries)

	var seen []string
	err := r.Subscribe(context.Background(), func(ctx context.Context, msg Message) error {
		seen = append(seen, msg.Headers[constraints.HeaderEventType])
		if string(msg.Payload) == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed once deliveries close, got %v", err)
	}

	if ch.prefetch != 8 {
		t.Errorf("expected prefetch 8, got %d", ch.prefetch)
	}
	if len(seen) != 2 || seen[0] != constraints.EventTransactionAuthorized {
		t.Errorf("unexpected deliveries %v", seen)
	}
	if len(ack.acked) != 1 || ack.acked[0] != 1 {
		t.Errorf("expected tag 1 acked, got %v", ack.acked)
	}
	if len(ack.nacked) != 1 || ack.nacked[0] != 2 || ack.requeue {
		t.Errorf("expected tag 2 nacked without requeue, got %v requeue=%v", ack.nacked, ack.requeue)
	}
}

func TestRabbitMQSubscribe_StopsOnContext(t *testing.T) {
	ch := &fakeAMQPChannel{deliveries: make(chan amqp.Delivery)}
	r := NewRabbitMQ(ch, RabbitMQOptions{Queue: "inbound"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := r.Subscribe(ctx, func(context.Context, Message) error { return nil }); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
}
