// Package tracing is the observability sink for the inbound pipeline and the
// process-wide OpenTelemetry setup.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "postingrelay"

// Tracer records one span per named operation. The returned func ends the
// span and records err when non-nil.
type Tracer interface {
	RecordSpan(ctx context.Context, name string, tags map[string]string) (context.Context, func(err error))
}

type nopTracer struct{}

func Nop() Tracer { return nopTracer{} }

func (nopTracer) RecordSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

type otelTracer struct {
	tracer trace.Tracer
}

func NewOtelTracer(tp trace.TracerProvider) Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &otelTracer{tracer: tp.Tracer(instrumentationName)}
}

func (t *otelTracer) RecordSpan(ctx context.Context, name string, tags map[string]string) (context.Context, func(error)) {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

type Options struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	Environment string
}

// Init installs an OTLP/HTTP tracer provider and the W3C propagator globally.
// The returned shutdown flushes pending spans.
func Init(ctx context.Context, opts Options) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(instrumentationName),
		semconv.DeploymentEnvironment(opts.Environment),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp, tp.Shutdown, nil
}
