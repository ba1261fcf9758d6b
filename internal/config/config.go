// Package config provides configuration loading for gatherd.
//
// Configuration is layered: hardcoded defaults, then an optional YAML
// file, then environment variable overrides.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/fyrsmithlabs/gatherd/internal/logging"
)

// Config holds the complete gatherd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Connector     ConnectorConfig     `koanf:"connector"`
	Signin        SigninConfig        `koanf:"signin"`
	Catalog       CatalogConfig       `koanf:"catalog"`
	Analytics     AnalyticsConfig     `koanf:"analytics"`
	Logging       logging.Config      `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Features      FeatureConfig       `koanf:"features"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// AppHost is this deployment's public origin. Connector-hosted
	// sign-in URLs are rewritten onto it before reaching the browser.
	AppHost string `koanf:"app_host"`
}

// ConnectorConfig holds the settings for the upstream data connector.
type ConnectorConfig struct {
	// URL is the connector base; the per-brand sub-path is appended.
	URL string `koanf:"url"`
	// CustomApp identifies this deployment to the connector.
	CustomApp string `koanf:"custom_app"`
	// Location is forwarded to the connector as the caller's location.
	Location string `koanf:"location"`
	// Incognito asks the connector to anonymize browsing sessions.
	Incognito bool `koanf:"incognito"`

	CallTimeout   time.Duration `koanf:"call_timeout"`
	MaxRetries    int           `koanf:"max_retries"`
	IdleWindow    time.Duration `koanf:"idle_window"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// SigninConfig paces the sign-in poll loop.
type SigninConfig struct {
	PollInterval  time.Duration `koanf:"poll_interval"`
	ResourceDelay time.Duration `koanf:"resource_delay"`
	MaxBackoff    time.Duration `koanf:"max_backoff"`
	MaxWait       time.Duration `koanf:"max_wait"`
}

// CatalogConfig locates brand descriptors.
type CatalogConfig struct {
	// Dir overlays the embedded brand catalog. Empty runs on embedded
	// descriptors only.
	Dir string `koanf:"dir"`
	// Watch hot-reloads the overlay directory on change.
	Watch bool `koanf:"watch"`
}

// AnalyticsConfig holds the event broker settings.
type AnalyticsConfig struct {
	Enabled bool   `koanf:"enabled"`
	NATSURL string `koanf:"nats_url"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
}

// FeatureConfig carries flags passed through to the UI.
type FeatureConfig struct {
	AllowFaceUpload bool `koanf:"allow_face_upload"`
	DemoMode        bool `koanf:"demo_mode"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Connector.URL == "" {
		cfg.Connector.URL = "http://localhost:9000"
	}
	if cfg.Connector.CallTimeout == 0 {
		cfg.Connector.CallTimeout = 100 * time.Minute
	}
	if cfg.Connector.MaxRetries == 0 {
		cfg.Connector.MaxRetries = 3
	}
	if cfg.Connector.IdleWindow == 0 {
		cfg.Connector.IdleWindow = time.Hour
	}
	if cfg.Connector.SweepInterval == 0 {
		cfg.Connector.SweepInterval = 10 * time.Minute
	}

	if cfg.Signin.PollInterval == 0 {
		cfg.Signin.PollInterval = time.Second
	}
	if cfg.Signin.ResourceDelay == 0 {
		cfg.Signin.ResourceDelay = 3 * time.Second
	}
	if cfg.Signin.MaxBackoff == 0 {
		cfg.Signin.MaxBackoff = 30 * time.Second
	}
	if cfg.Signin.MaxWait == 0 {
		cfg.Signin.MaxWait = 10 * time.Minute
	}

	if cfg.Analytics.NATSURL == "" {
		cfg.Analytics.NATSURL = "nats://localhost:4222"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if len(cfg.Logging.Redaction.Fields) == 0 && len(cfg.Logging.Redaction.Patterns) == 0 {
		cfg.Logging.Redaction = logging.DefaultRedactionConfig()
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "gatherd"
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Server.AppHost != "" {
		if _, err := url.Parse(c.Server.AppHost); err != nil {
			return fmt.Errorf("server.app_host: %w", err)
		}
	}

	u, err := url.Parse(c.Connector.URL)
	if err != nil {
		return fmt.Errorf("connector.url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("connector.url %q must be absolute", c.Connector.URL)
	}
	if c.Connector.MaxRetries < 0 {
		return fmt.Errorf("connector.max_retries cannot be negative")
	}
	for name, d := range map[string]time.Duration{
		"connector.call_timeout":   c.Connector.CallTimeout,
		"connector.idle_window":    c.Connector.IdleWindow,
		"connector.sweep_interval": c.Connector.SweepInterval,
		"signin.poll_interval":     c.Signin.PollInterval,
		"signin.resource_delay":    c.Signin.ResourceDelay,
		"signin.max_backoff":       c.Signin.MaxBackoff,
		"signin.max_wait":          c.Signin.MaxWait,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Signin.MaxWait < c.Signin.PollInterval {
		return fmt.Errorf("signin.max_wait shorter than signin.poll_interval")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
