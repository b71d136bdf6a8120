package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TraceConfig configures the OTLP trace exporter.
type TraceConfig struct {
	// ServiceName identifies this process in traces. Defaults to
	// "larkgate".
	ServiceName string

	// ServiceVersion is stamped on every span's resource.
	ServiceVersion string

	// Environment tags spans with the deployment environment.
	Environment string

	// Endpoint is the OTLP/gRPC collector address, e.g.
	// "localhost:4317". Empty disables tracing.
	Endpoint string

	// SampleRate is the fraction of traces recorded, 0..1. Zero means
	// record everything.
	SampleRate float64

	// Insecure disables TLS on the collector connection.
	Insecure bool
}

// Tracer wraps an OpenTelemetry tracer with the gateway's span
// conventions. A nil Tracer and a Tracer built without an endpoint both
// produce non-recording spans, so call sites never branch.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// SpanOptions configures span creation.
type SpanOptions struct {
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue
}

var noopTracer = noop.NewTracerProvider().Tracer("larkgate")

// NewTracer builds a tracer and its shutdown function. With no endpoint
// configured, or when the exporter cannot be built, the returned tracer
// is a no-op and shutdown does nothing.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "larkgate"
	}
	if config.Endpoint == "" {
		return &Tracer{tracer: noopTracer}, func(context.Context) error { return nil }
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: noopTracer}, func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}
	return t, provider.Shutdown
}

// Start creates a span.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOptions) (context.Context, trace.Span) {
	tracer := noopTracer
	if t != nil && t.tracer != nil {
		tracer = t.tracer
	}
	var options []trace.SpanStartOption
	if len(opts) > 0 {
		if opts[0].Kind != trace.SpanKindUnspecified {
			options = append(options, trace.WithSpanKind(opts[0].Kind))
		}
		if len(opts[0].Attributes) > 0 {
			options = append(options, trace.WithAttributes(opts[0].Attributes...))
		}
	}
	return tracer.Start(ctx, name, options...)
}

// TraceInbound opens the span covering one inbound event's handling.
func (t *Tracer) TraceInbound(ctx context.Context, accountID, chatType string) (context.Context, trace.Span) {
	return t.Start(ctx, "inbound.handle", SpanOptions{
		Kind: trace.SpanKindServer,
		Attributes: []attribute.KeyValue{
			attribute.String("larkgate.account", accountID),
			attribute.String("larkgate.chat_type", chatType),
		},
	})
}

// TraceDispatch opens the span covering one agent dispatch.
func (t *Tracer) TraceDispatch(ctx context.Context, provider, sessionKey string) (context.Context, trace.Span) {
	return t.Start(ctx, "agent.dispatch", SpanOptions{
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.String("agent.provider", provider),
			attribute.String("larkgate.session_key", sessionKey),
		},
	})
}

// TraceProviderCall opens the span covering one Feishu API call.
func (t *Tracer) TraceProviderCall(ctx context.Context, method string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("feishu.%s", method), SpanOptions{
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.String("rpc.method", method),
		},
	})
}

// RecordError marks the span failed and records the error. A nil error
// does nothing.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// WithSpan runs fn inside a span and records its error.
func WithSpan(ctx context.Context, tracer *Tracer, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	if err := fn(ctx); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	return nil
}

// GetTraceID returns the active trace id, or "" when no trace is
// recording.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
