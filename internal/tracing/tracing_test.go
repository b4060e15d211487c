package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNop_ReturnsSameContext(t *testing.T) {
	ctx := context.Background()
	got, end := Nop().RecordSpan(ctx, "noop", map[string]string{"a": "b"})
	end(errors.New("ignored"))
	if got != ctx {
		t.Error("nop tracer must not derive a new context")
	}
}

func TestOtelTracer_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewOtelTracer(tp)

	ctx, end := tracer.RecordSpan(context.Background(), "inbound.process", map[string]string{
		"event_id": "transaction.authorized-1",
	})
	if !trace.SpanContextFromContext(ctx).IsValid() {
		t.Fatal("expected an active span in the returned context")
	}
	end(nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "inbound.process" {
		t.Errorf("unexpected span name %s", span.Name())
	}
	found := false
	for _, attr := range span.Attributes() {
		if string(attr.Key) == "event_id" && attr.Value.AsString() == "transaction.authorized-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("event_id attribute missing: %v", span.Attributes())
	}
	if span.Status().Code == codes.Error {
		t.Error("successful span must not carry an error status")
	}
}

func TestOtelTracer_RecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, end := NewOtelTracer(tp).RecordSpan(context.Background(), "ledger.commit", nil)
	end(errors.New("ledger responded 500"))

	span := recorder.Ended()[0]
	if span.Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", span.Status().Code)
	}
	if len(span.Events()) == 0 {
		t.Error("expected the error to be recorded as a span event")
	}
}
