// ABOUTME: Configuration structures for telemetry setup including exporters, sampling, and validation
// ABOUTME: Supports BLOCKSTORE_TELEMETRY_* environment overrides and provides defaults for every option

package telemetry

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Exporter names accepted in Config.Exporters.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config holds all configuration for telemetry providers and exporters.
type Config struct {
	// ServiceName identifies the service in telemetry data
	ServiceName string `json:"service_name"`

	// ServiceVersion identifies the service version in telemetry data
	ServiceVersion string `json:"service_version"`

	// Enabled controls whether telemetry is active
	Enabled bool `json:"enabled"`

	// Exporters specifies which exporters to use (stdout, otlp)
	Exporters []string `json:"exporters"`

	// SampleRate controls trace sampling (0.0 to 1.0)
	SampleRate float64 `json:"sample_rate"`

	// OTLPEndpoint is the host:port of the OTLP/gRPC trace collector
	OTLPEndpoint string `json:"otlp_endpoint"`

	// ExportTimeout controls how long to wait for exports
	ExportTimeout time.Duration `json:"export_timeout"`

	// MetricInterval controls how often metrics are pushed to exporters
	MetricInterval time.Duration `json:"metric_interval"`

	// BatchTimeout controls how long to wait before exporting a span batch
	BatchTimeout time.Duration `json:"batch_timeout"`

	// MaxQueueSize controls the maximum queue size for pending span exports
	MaxQueueSize int `json:"max_queue_size"`

	// MaxExportBatchSize controls the maximum span batch size for exports
	MaxExportBatchSize int `json:"max_export_batch_size"`

	// Output receives stdout exporter data; os.Stdout when nil.
	Output io.Writer `json:"-"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:        "blockstore",
		ServiceVersion:     "development",
		Enabled:            true,
		Exporters:          []string{ExporterStdout},
		SampleRate:         1.0,
		OTLPEndpoint:       "localhost:4317",
		ExportTimeout:      30 * time.Second,
		MetricInterval:     60 * time.Second,
		BatchTimeout:       5 * time.Second,
		MaxQueueSize:       2048,
		MaxExportBatchSize: 512,
	}
}

// LoadFromEnv loads configuration from environment variables, overriding defaults.
func (c *Config) LoadFromEnv() {
	if val := os.Getenv("BLOCKSTORE_TELEMETRY_SERVICE_NAME"); val != "" {
		c.ServiceName = val
	}

	if val := os.Getenv("BLOCKSTORE_TELEMETRY_SERVICE_VERSION"); val != "" {
		c.ServiceVersion = val
	}

	if val := os.Getenv("BLOCKSTORE_TELEMETRY_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Enabled = enabled
		}
	}

	if val := os.Getenv("BLOCKSTORE_TELEMETRY_EXPORTERS"); val != "" {
		c.Exporters = strings.Split(val, ",")
		for i := range c.Exporters {
			c.Exporters[i] = strings.TrimSpace(c.Exporters[i])
		}
	}

	if val := os.Getenv("BLOCKSTORE_TELEMETRY_SAMPLE_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.SampleRate = rate
		}
	}

	if val := os.Getenv("BLOCKSTORE_TELEMETRY_OTLP_ENDPOINT"); val != "" {
		c.OTLPEndpoint = val
	}

	if val := os.Getenv("BLOCKSTORE_TELEMETRY_EXPORT_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			c.ExportTimeout = timeout
		}
	}

	if val := os.Getenv("BLOCKSTORE_TELEMETRY_METRIC_INTERVAL"); val != "" {
		if interval, err := time.ParseDuration(val); err == nil {
			c.MetricInterval = interval
		}
	}

	if val := os.Getenv("BLOCKSTORE_TELEMETRY_BATCH_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			c.BatchTimeout = timeout
		}
	}

	if val := os.Getenv("BLOCKSTORE_TELEMETRY_MAX_QUEUE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.MaxQueueSize = size
		}
	}

	if val := os.Getenv("BLOCKSTORE_TELEMETRY_MAX_EXPORT_BATCH_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.MaxExportBatchSize = size
		}
	}
}

// Validate checks the configuration for invalid values and returns an error if found.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name cannot be empty")
	}

	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version cannot be empty")
	}

	if c.SampleRate < 0.0 || c.SampleRate > 1.0 {
		return fmt.Errorf("sample_rate must be between 0.0 and 1.0, got %f", c.SampleRate)
	}

	if c.ExportTimeout <= 0 {
		return fmt.Errorf("export_timeout must be positive, got %s", c.ExportTimeout)
	}

	if c.MetricInterval <= 0 {
		return fmt.Errorf("metric_interval must be positive, got %s", c.MetricInterval)
	}

	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batch_timeout must be positive, got %s", c.BatchTimeout)
	}

	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive, got %d", c.MaxQueueSize)
	}

	if c.MaxExportBatchSize <= 0 {
		return fmt.Errorf("max_export_batch_size must be positive, got %d", c.MaxExportBatchSize)
	}

	for _, exporter := range c.Exporters {
		switch exporter {
		case ExporterStdout, ExporterOTLP:
		default:
			return fmt.Errorf("invalid exporter: %s, valid options are: stdout, otlp", exporter)
		}
	}

	if c.HasExporter(ExporterOTLP) && c.OTLPEndpoint == "" {
		return fmt.Errorf("otlp_endpoint is required when the otlp exporter is enabled")
	}

	return nil
}

// HasExporter returns true if the specified exporter is configured.
func (c *Config) HasExporter(name string) bool {
	for _, exporter := range c.Exporters {
		if exporter == name {
			return true
		}
	}
	return false
}

func (c *Config) output() io.Writer {
	if c.Output != nil {
		return c.Output
	}
	return os.Stdout
}
