package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"convsync/internal/config"
	"convsync/internal/constants"
)

const exporterConnectTimeout = 5 * time.Second

type TracerProvider struct {
	tp *sdktrace.TracerProvider
}

func (tp *TracerProvider) Tracer(name string) trace.Tracer {
	return tp.tp.Tracer(name)
}

func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

// Init builds the tracer provider. With tracing disabled the provider records nothing and
// the global provider stays the no-op default.
func Init(cfg config.TracingConfig, serviceName string) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{tp: sdktrace.NewTracerProvider()}, nil
	}

	res, err := newResource(serviceNameFor(cfg, serviceName))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := newExporter(cfg.OTLP)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(createSampler(cfg.Sampler)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

func serviceNameFor(cfg config.TracingConfig, serviceName string) string {
	switch {
	case serviceName != "":
		return serviceName
	case cfg.ServiceName != "":
		return cfg.ServiceName
	default:
		return constants.ServiceName
	}
}

func newResource(serviceName string) (*resource.Resource, error) {
	return resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
}

func newExporter(cfg config.OTLPConfig) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), exporterConnectTimeout)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createSampler(cfg config.SamplerConfig) sdktrace.Sampler {
	switch cfg.Type {
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(cfg.Param)
	case "parentbased_always_on":
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Param))
	default:
		return sdktrace.AlwaysSample()
	}
}

func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSiteSpan opens the span covering one site's pass over [start, end).
func StartSiteSpan(ctx context.Context, siteID int, start, end time.Time) (context.Context, trace.Span) {
	ctx, span := GetTracer(constants.TracerPipeline).Start(ctx, "pipeline.site")
	span.SetAttributes(
		attribute.Int("site_id", siteID),
		attribute.String("window_start", start.UTC().Format(time.RFC3339)),
		attribute.String("window_end", end.UTC().Format(time.RFC3339)),
	)
	return ctx, span
}

func StartDispatchSpan(ctx context.Context, platform string) (context.Context, trace.Span) {
	ctx, span := GetTracer(constants.TracerPipeline).Start(ctx, "pipeline.dispatch")
	span.SetAttributes(attribute.String("platform", platform))
	return ctx, span
}

// RecordDispatch attaches the outcome of a platform dispatch. Only a failed dispatch marks
// the span as errored; a skipped platform records its reason as an event.
func RecordDispatch(span trace.Span, status string, succeeded, failed int, err error, isFailure bool) {
	span.SetAttributes(
		attribute.String("status", status),
		attribute.Int("succeeded", succeeded),
		attribute.Int("failed", failed),
	)
	if err == nil {
		return
	}
	span.RecordError(err)
	if isFailure {
		span.SetStatus(codes.Error, err.Error())
	}
}
