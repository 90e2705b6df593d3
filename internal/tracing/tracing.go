// Package tracing wraps OpenTelemetry to mark allocator slow-path
// events (a thread cache refill or drain, a central cache fetch or
// release). The page cache starts no spans of its own; it records OS
// failures as errors on the span carried in its context.
// The fast path — a free-list pop or push — never calls into this
// package, so tracing costs nothing unless a caller opts in.
//
// Tracing defaults to a no-op provider. Callers call SetProvider with
// a real SDK provider (see NewSDKProvider) to make spans go somewhere;
// cmd/hcmp-bench passes otel's global provider, which is a no-op
// unless the program has installed one.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const componentPrefix = "hcmp"

var provider trace.TracerProvider = otel.GetTracerProvider()

// SetProvider installs the tracer provider every subsequent GetTracer
// call resolves against. Passing nil restores the no-op default.
func SetProvider(p trace.TracerProvider) {
	if p == nil {
		p = otel.GetTracerProvider()
	}
	provider = p
}

// NewSDKProvider builds a batching trace provider suitable for
// SetProvider, given any SDK span exporter the caller has already
// constructed (OTLP, stdout, etc). The allocator itself takes no
// dependency on a specific exporter or collector transport — see
// DESIGN.md's note on the dropped Jaeger exporter dependency.
func NewSDKProvider(opts ...tracesdk.TracerProviderOption) *tracesdk.TracerProvider {
	return tracesdk.NewTracerProvider(opts...)
}

// GetTracer returns a tracer for the named allocator component
// ("pagecache", "centralcache", "threadcache").
func GetTracer(component string) trace.Tracer {
	return provider.Tracer(componentPrefix + "/" + component)
}

// StartSpan starts a span with the given attributes already attached.
func StartSpan(ctx context.Context, tracer trace.Tracer, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, operation)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError records an out-of-memory or invariant-violation error on
// the current span, if one is recording.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
	}
}
