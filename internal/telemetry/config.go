// Package telemetry initializes OpenTelemetry tracing and metrics for
// gatherd. Telemetry failures never crash the service; providers
// degrade to no-ops.
package telemetry

import (
	"fmt"
	"time"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	Enabled        bool   `koanf:"enabled"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
	// Endpoint is the OTLP collector address.
	Endpoint string `koanf:"endpoint"`
	// Protocol is "grpc" or "http/protobuf".
	Protocol string `koanf:"protocol"`
	Insecure bool   `koanf:"insecure"`

	Sampling SamplingConfig `koanf:"sampling"`
	Metrics  MetricsConfig  `koanf:"metrics"`

	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// SamplingConfig controls trace sampling.
type SamplingConfig struct {
	// Rate in [0, 1]; 1 samples everything.
	Rate float64 `koanf:"rate"`
}

// MetricsConfig controls the metric pipeline.
type MetricsConfig struct {
	Enabled        bool          `koanf:"enabled"`
	ExportInterval time.Duration `koanf:"export_interval"`
}

// NewDefaultConfig returns config with sane defaults, disabled.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		ServiceName:    "gatherd",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		Sampling:       SamplingConfig{Rate: 1.0},
		Metrics: MetricsConfig{
			Enabled:        true,
			ExportInterval: time.Minute,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	switch c.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("protocol must be 'grpc' or 'http/protobuf', got %q", c.Protocol)
	}
	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		return fmt.Errorf("sampling rate %v out of [0, 1]", c.Sampling.Rate)
	}
	if c.Metrics.Enabled && c.Metrics.ExportInterval <= 0 {
		return fmt.Errorf("metrics export_interval must be positive")
	}
	return nil
}
