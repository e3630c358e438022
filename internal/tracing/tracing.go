package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mealhub/gateway/config"
	"github.com/mealhub/gateway/internal/middleware"
	"github.com/mealhub/gateway/variables"
)

// TraceIDHeader exposes the gateway span's trace ID to clients.
const TraceIDHeader = "X-Trace-ID"

// Tracer starts a server span per request. The zero value is disabled.
type Tracer struct {
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New creates a tracer exporting over OTLP/gRPC and installs it as the
// global provider. A disabled config returns a no-op tracer.
func New(ctx context.Context, cfg config.TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{}, nil
	}

	var opts []otlptracegrpc.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	t, err := newTracer(ctx, cfg, sdktrace.WithBatcher(exporter))
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(t.provider)
	return t, nil
}

func newTracer(ctx context.Context, cfg config.TracingConfig, export sdktrace.TracerProviderOption) (*Tracer, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "api-gateway"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		export,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer("github.com/mealhub/gateway"),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}, nil
}

// Enabled reports whether spans are recorded.
func (t *Tracer) Enabled() bool {
	return t != nil && t.provider != nil
}

// Middleware wraps each request in a server span continuing any incoming
// trace context. It reads the route and final status from the request's
// variables.Context, so it must run inside RequestContext and outside
// AccessLog.
func (t *Tracer) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if !t.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := t.tracer.Start(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.ServerAddress(r.Host),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				w.Header().Set(TraceIDHeader, sc.TraceID().String())
			}

			r = r.WithContext(ctx)
			next.ServeHTTP(w, r)

			varCtx, ok := variables.FromRequest(r)
			if !ok {
				return
			}
			if varCtx.RouteID != "" {
				span.SetName(r.Method + " " + varCtx.RouteID)
				span.SetAttributes(attribute.String("gateway.route", varCtx.RouteID))
			}
			span.SetAttributes(
				attribute.String("gateway.request_id", varCtx.RequestID),
				semconv.HTTPResponseStatusCode(varCtx.Status),
			)
			if varCtx.UpstreamAddr != "" {
				span.SetAttributes(attribute.String("gateway.upstream", varCtx.UpstreamAddr))
			}
			if varCtx.Status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(varCtx.Status))
			}
		})
	}
}

// Close flushes pending spans.
func (t *Tracer) Close(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
