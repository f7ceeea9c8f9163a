// ABOUTME: OpenTelemetry provider implementation with metric and trace provider setup for blockstore telemetry
// ABOUTME: Handles provider lifecycle, resource attributes, instrument caching and sampling configuration

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/KevoDB/blockstore"

// TelemetryProvider implements the Telemetry interface using OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer
	resource       *sdkresource.Resource

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Int64Counter
}

// New creates a new TelemetryProvider with the given configuration.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	metricExporters, err := createMetricExporters(cfg)
	if err != nil {
		return nil, err
	}

	var readers []sdkmetric.Reader
	for _, exp := range metricExporters {
		readers = append(readers, sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(cfg.MetricInterval),
			sdkmetric.WithTimeout(cfg.ExportTimeout),
		))
	}

	traceExporters, err := createTraceExporters(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	return newProvider(cfg, readers, traceExporters), nil
}

// NewWithReader builds a provider whose metrics are collected by the given reader
// instead of the configured exporters. Traces are sampled but not exported.
func NewWithReader(cfg Config, reader sdkmetric.Reader) (*TelemetryProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	return newProvider(cfg, []sdkmetric.Reader{reader}, nil), nil
}

func newProvider(cfg Config, readers []sdkmetric.Reader, spanExporters []sdktrace.SpanExporter) *TelemetryProvider {
	res := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		metricOpts = append(metricOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(metricOpts...)

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, exp := range spanExporters {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	return &TelemetryProvider{
		config:         cfg,
		meterProvider:  mp,
		tracerProvider: tp,
		meter:          mp.Meter(instrumentationName),
		tracer:         tp.Tracer(instrumentationName),
		resource:       res,
		histograms:     make(map[string]metric.Float64Histogram),
		counters:       make(map[string]metric.Int64Counter),
	}
}

// RecordHistogram records a value on the named histogram, creating it on first use.
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	p.mu.Lock()
	h, ok := p.histograms[name]
	if !ok {
		var err error
		h, err = p.meter.Float64Histogram(name)
		if err != nil {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = h
	}
	p.mu.Unlock()

	h.Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter adds value to the named counter, creating it on first use.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	p.mu.Lock()
	c, ok := p.counters[name]
	if !ok {
		var err error
		c, err = p.meter.Int64Counter(name)
		if err != nil {
			p.mu.Unlock()
			return
		}
		p.counters[name] = c
	}
	p.mu.Unlock()

	c.Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan starts a span on the provider's tracer.
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes and stops both providers.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.meterProvider.Shutdown(ctx),
		p.tracerProvider.Shutdown(ctx),
	)
}
