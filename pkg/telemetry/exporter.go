// ABOUTME: OpenTelemetry exporter factory for creating metric and trace exporters (stdout, OTLP/gRPC)
// ABOUTME: Handles configuration and creation of the telemetry export destinations

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

// createMetricExporters creates metric exporters based on configuration.
// OTLP is trace-only in this setup, so stdout is the only metric destination.
func createMetricExporters(cfg Config) ([]metric.Exporter, error) {
	var exporters []metric.Exporter

	if cfg.HasExporter(ExporterStdout) {
		exporter, err := createStdoutMetricExporter(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		exporters = append(exporters, exporter)
	}

	return exporters, nil
}

// createTraceExporters creates trace exporters based on configuration.
func createTraceExporters(ctx context.Context, cfg Config) ([]trace.SpanExporter, error) {
	var exporters []trace.SpanExporter

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case ExporterOTLP:
			exporter, err := createOTLPTraceExporter(ctx, cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		case ExporterStdout:
			exporter, err := createStdoutTraceExporter(cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)
		}
	}

	return exporters, nil
}

func createStdoutMetricExporter(cfg Config) (metric.Exporter, error) {
	return stdoutmetric.New(
		stdoutmetric.WithWriter(cfg.output()),
		stdoutmetric.WithPrettyPrint(),
	)
}

func createOTLPTraceExporter(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
	return otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(cfg.ServiceName+"/"+cfg.ServiceVersion)),
	)
}

func createStdoutTraceExporter(cfg Config) (trace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(cfg.output()),
		stdouttrace.WithPrettyPrint(),
	)
}
