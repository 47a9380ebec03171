// Package telemetry sets up OpenTelemetry metrics export and the shared
// attribute vocabulary used by tradegate instruments.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	defaultServiceName    = "tradegate"
	defaultServiceVersion = "1.0.0"
	defaultEndpoint       = "localhost:4318"
	defaultInterval       = 30 * time.Second
	defaultEnvironment    = "development"
)

var environment atomic.Pointer[string]

// Config controls metric export.
type Config struct {
	Enabled          bool          `yaml:"enabled"`
	OTLPEndpoint     string        `yaml:"otlpEndpoint"`
	OTLPInsecure     bool          `yaml:"otlpInsecure"`
	EnableMetrics    bool          `yaml:"enableMetrics"`
	MetricInterval   time.Duration `yaml:"metricInterval"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
	ServiceName      string        `yaml:"serviceName"`
	ServiceVersion   string        `yaml:"serviceVersion"`
	ServiceNamespace string        `yaml:"serviceNamespace"`
	Environment      string        `yaml:"-"`
}

func envOr(fallback string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return fallback
}

// DefaultConfig reads the standard OTEL_* variables, falling back to local
// collector defaults. Export stays off unless OTEL_ENABLED=true.
func DefaultConfig() Config {
	return Config{
		Enabled:          envOr("", "OTEL_ENABLED") == "true",
		OTLPEndpoint:     envOr(defaultEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:     envOr("", "OTEL_EXPORTER_OTLP_INSECURE") == "true",
		EnableMetrics:    envOr("", "OTEL_METRICS_ENABLED") != "false",
		MetricInterval:   defaultInterval,
		ShutdownTimeout:  5 * time.Second,
		ServiceName:      envOr(defaultServiceName, "OTEL_SERVICE_NAME"),
		ServiceVersion:   defaultServiceVersion,
		ServiceNamespace: envOr("", "OTEL_SERVICE_NAMESPACE"),
		Environment:      envOr(defaultEnvironment, "OTEL_RESOURCE_ENVIRONMENT", "TRADEGATE_ENV"),
	}
}

// Provider owns the SDK meter provider when export is enabled.
type Provider struct {
	mp       *sdkmetric.MeterProvider
	shutdown time.Duration
}

// NewProvider installs an OTLP-backed meter provider as the global one. With
// export disabled it returns a provider that hands out the global meters.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	SetEnvironment(cfg.Environment)
	p := &Provider{shutdown: cfg.ShutdownTimeout}
	if !cfg.Enabled || !cfg.EnableMetrics {
		return p, nil
	}

	res, err := buildResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	exporterOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(bucketViews()...),
	)
	otel.SetMeterProvider(p.mp)
	return p, nil
}

// Meter returns a named meter.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if p == nil || p.mp == nil {
		return otel.Meter(name, opts...)
	}
	return p.mp.Meter(name, opts...)
}

// Shutdown flushes pending exports and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	if p.shutdown > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.shutdown)
		defer cancel()
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}

func buildResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	}
	if cfg.ServiceNamespace != "" {
		attrs = append(attrs, semconv.ServiceNamespaceKey.String(cfg.ServiceNamespace))
	}
	if env := strings.ToLower(strings.TrimSpace(cfg.Environment)); env != "" {
		attrs = append(attrs, AttrEnvironment.String(env))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion())
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	return res, nil
}

// histogramBuckets holds explicit bucket boundaries per histogram name.
var histogramBuckets = map[string]struct {
	unit   string
	bounds []float64
}{
	"execution.quote.duration":           {"ms", []float64{0.1, 0.5, 1, 5, 10, 50, 100, 250, 500, 1000, 2000}},
	"governor.review.duration":           {"ms", []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10}},
	"notify.dispatch.duration":           {"ms", []float64{0.1, 1, 5, 10, 50, 100, 500, 1000, 5000}},
	"persistence.snapshot.duration":      {"ms", []float64{0.5, 1, 5, 10, 50, 100, 500, 1000, 5000}},
	"tradegate.eventbus.publish.latency": {"ms", []float64{0.01, 0.1, 0.5, 1, 5, 10, 50}},
	"tradegate.eventbus.fanout":          {"{subscriber}", []float64{1, 2, 5, 10, 20, 50, 100}},
}

func bucketViews() []sdkmetric.View {
	names := make([]string, 0, len(histogramBuckets))
	for name := range histogramBuckets {
		names = append(names, name)
	}
	sort.Strings(names)
	views := make([]sdkmetric.View, 0, len(names))
	for _, name := range names {
		spec := histogramBuckets[name]
		views = append(views, sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram, Unit: spec.unit},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: spec.bounds}},
		))
	}
	return views
}

// stripScheme turns a URL into the host:port form the OTLP HTTP exporter expects.
func stripScheme(endpoint string) string {
	for _, scheme := range []string{"http://", "https://"} {
		endpoint = strings.TrimPrefix(endpoint, scheme)
	}
	return endpoint
}

// SetEnvironment records the environment label attached to metrics.
func SetEnvironment(env string) {
	normalized := strings.ToLower(strings.TrimSpace(env))
	environment.Store(&normalized)
}

// Environment returns the environment label, "development" when unset.
func Environment() string {
	if v := environment.Load(); v != nil && *v != "" {
		return *v
	}
	return defaultEnvironment
}

// SinceMillis returns the elapsed time since start in fractional milliseconds.
func SinceMillis(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
