package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig describes the process to the OpenTelemetry SDK.
type ProviderConfig struct {
	// ServiceName defaults to "aecmduplex".
	ServiceName    string
	ServiceVersion string

	// Engine is the registered engine name, reported as the aecm.engine
	// resource attribute.
	Engine string

	// Registerer receives the metric collector. Nil means
	// prometheus.DefaultRegisterer, which promhttp.Handler serves.
	Registerer prometheus.Registerer

	// TraceExporter receives finished spans. Nil keeps spans in process,
	// where they still feed trace IDs to logs and X-Correlation-ID.
	TraceExporter sdktrace.SpanExporter

	// SampleRatio is the share of new traces sampled. Values outside (0, 1)
	// sample everything.
	SampleRatio float64
}

// InitProvider installs global meter and tracer providers: metrics go to
// Prometheus, spans to cfg.TraceExporter. The returned function flushes
// pending spans and stops both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	var promOpts []otelprom.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, otelprom.WithRegisterer(cfg.Registerer))
	}
	reader, err := otelprom.New(promOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	tp := sdktrace.NewTracerProvider(cfg.traceOptions(res)...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func (cfg ProviderConfig) resource(ctx context.Context) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "aecmduplex"
	}
	attrs := []resource.Option{
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	}
	if cfg.Engine != "" {
		attrs = append(attrs, resource.WithAttributes(attrEngine.String(cfg.Engine)))
	}
	return resource.New(ctx, attrs...)
}

func (cfg ProviderConfig) traceOptions(res *resource.Resource) []sdktrace.TracerProviderOption {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if r := cfg.SampleRatio; r > 0 && r < 1 {
		opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r))))
	}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return opts
}
