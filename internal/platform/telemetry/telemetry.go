// Package telemetry wires OpenTelemetry tracing for the referral server:
// an OTLP/HTTP exporter behind the global tracer provider, and an echo
// middleware that opens one server span per request.
package telemetry

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
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

const instrumentationName = "github.com/ehr/referral/internal/platform/telemetry"

// Config holds the tracing settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is a full collector URL, e.g. http://otel:4318. Empty
	// disables export.
	OTLPEndpoint string
	// SampleRate is the fraction of root traces kept, 0 < rate <= 1.
	// Out-of-range values sample everything.
	SampleRate float64
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "referral-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1
	}
}

// Setup installs a global tracer provider that exports over OTLP/HTTP.
// Without an endpoint nothing is registered and the returned shutdown is a
// no-op. The caller defers shutdown to flush pending spans.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if strings.TrimSpace(cfg.OTLPEndpoint) == "" {
		return noop, nil
	}
	cfg.applyDefaults()

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

type middlewareConfig struct {
	provider trace.TracerProvider
	skip     []string
}

// Option adjusts TracingMiddleware.
type Option func(*middlewareConfig)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *middlewareConfig) { c.provider = tp }
}

// WithSkipPaths leaves requests under the given prefixes untraced.
func WithSkipPaths(prefixes ...string) Option {
	return func(c *middlewareConfig) { c.skip = append(c.skip, prefixes...) }
}

// TracingMiddleware opens a server span named "HTTP {method} {route}" per
// request, continuing any trace propagated in the request headers. 5xx
// responses mark the span as errored.
func TracingMiddleware(opts ...Option) echo.MiddlewareFunc {
	cfg := middlewareConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			for _, p := range cfg.skip {
				if strings.HasPrefix(req.URL.Path, p) {
					return next(c)
				}
			}

			provider := cfg.provider
			if provider == nil {
				provider = otel.GetTracerProvider()
			}
			propagator := otel.GetTextMapPropagator()

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := provider.Tracer(instrumentationName).Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("url.path", req.URL.Path),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if tenant, ok := c.Get("tenant_id").(string); ok && tenant != "" {
				span.SetAttributes(attribute.String("tenant.id", tenant))
			}
			if status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(status))
				if err != nil {
					span.RecordError(err)
				}
			}
			return err
		}
	}
}
