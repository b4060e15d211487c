// Package channel abstracts the external broker the service publishes outbox
// events to and consumes inbound events from.
package channel

import (
	"context"
	"errors"

	"postingrelay/pkg/constraints"

	"go.opentelemetry.io/otel/trace"
)

var (
	ErrPublish       = errors.New("channel publish failed")
	ErrChannelClosed = errors.New("channel closed")
)

// Message is one inbound delivery. Headers carry transport metadata such as
// the event type discriminator; Payload is the raw body.
type Message struct {
	ID      string
	Headers map[string]string
	Payload []byte
}

func (m Message) Header(name string) (string, bool) {
	v, ok := m.Headers[name]
	return v, ok
}

// Handler processes a single delivery. A nil return acknowledges it; an error
// leaves redelivery and dead-lettering to the broker implementation.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	// Publish sends payload with a key header. eventType is optional and
	// omitted from the envelope when empty. No retry is attempted.
	Publish(ctx context.Context, key, payload, eventType string) error
}

type Subscriber interface {
	// Subscribe blocks delivering messages to handler until ctx is done.
	Subscribe(ctx context.Context, handler Handler) error
}

type Client interface {
	Publisher
	Subscriber
	Health(ctx context.Context) error
	Close() error
}

// envelopeHeaders builds the transport headers shared by every broker.
func envelopeHeaders(ctx context.Context, key, eventType string) map[string]string {
	headers := map[string]string{constraints.HeaderKey: key}
	if eventType != "" {
		headers[constraints.HeaderEventType] = eventType
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		headers[constraints.HeaderTraceID] = sc.TraceID().String()
		headers[constraints.HeaderSpanID] = sc.SpanID().String()
	}
	return headers
}
