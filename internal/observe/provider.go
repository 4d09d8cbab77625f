package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the process-wide telemetry.
type ProviderConfig struct {
	// ServiceName is reported as service.name. Default: "kiosk".
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Metrics enables the Prometheus registry behind [Provider.MetricsHandler].
	// When false the meter provider has no reader and instruments are no-ops.
	Metrics bool

	// TraceExporter receives finished spans. When nil spans are still created,
	// so correlation ids work, but nothing is exported.
	TraceExporter sdktrace.SpanExporter
}

// Provider owns the global meter and tracer providers.
type Provider struct {
	registry *prometheus.Registry
	closers  []func(context.Context) error
}

// InitProvider builds the meter and tracer providers and registers them,
// along with the W3C trace-context propagator, as the OTel globals. Call it
// before any [DefaultMetrics] use so instruments bind to the real provider.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "kiosk"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	p := &Provider{}

	// ── Metrics ───────────────────────────────────────────────────────────────
	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Metrics {
		p.registry = prometheus.NewRegistry()
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exp, err := promexporter.New(promexporter.WithRegisterer(p.registry))
		if err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
		mopts = append(mopts, sdkmetric.WithReader(exp))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)
	otel.SetMeterProvider(mp)
	p.closers = append(p.closers, mp.Shutdown)

	// ── Traces ────────────────────────────────────────────────────────────────
	topts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		topts = append(topts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(topts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	p.closers = append(p.closers, tp.Shutdown)

	return p, nil
}

// MetricsHandler serves the Prometheus exposition format, or returns nil when
// metrics are disabled.
func (p *Provider) MetricsHandler() http.Handler {
	if p.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the providers, tracer first.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
