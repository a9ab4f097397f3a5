// Package config provides configuration management for HiveWatch.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/hivewatch/internal/api"
	"github.com/lvonguyen/hivewatch/internal/api/gateway"
	"github.com/lvonguyen/hivewatch/internal/enrich"
	"github.com/lvonguyen/hivewatch/internal/fanout"
	"github.com/lvonguyen/hivewatch/internal/ingest"
	"github.com/lvonguyen/hivewatch/internal/observability"
	"github.com/lvonguyen/hivewatch/internal/store"
	"github.com/lvonguyen/hivewatch/internal/upstream"
)

// Config holds all HiveWatch configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	API        api.Config              `yaml:"api"`
	Redis      store.Config            `yaml:"redis"`
	Upstream   upstream.Config         `yaml:"upstream"`
	Enrichment enrich.Config           `yaml:"enrichment"`
	Fanout     fanout.Config           `yaml:"fanout"`
	Ingest     IngestConfig            `yaml:"ingest"`
	RateLimit  gateway.RateLimitConfig `yaml:"rate_limit"`
	Telemetry  observability.Config    `yaml:"telemetry"`
	Logging    LoggingConfig           `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IngestConfig holds sensor receiver settings.
type IngestConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Receiver ingest.Config `yaml:",inline"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		API:        api.DefaultConfig(),
		Redis:      store.DefaultConfig(),
		Upstream:   upstream.DefaultConfig(),
		Enrichment: enrich.DefaultConfig(),
		Fanout:     fanout.DefaultConfig(),
		Ingest: IngestConfig{
			Enabled:  true,
			Receiver: ingest.DefaultConfig(),
		},
		RateLimit: gateway.RateLimitConfig{
			IncludeHeaders: true,
		},
		Telemetry: observability.Config{
			ServiceName:    "hivewatch",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			MetricsEnabled: true,
			SamplingRate:   0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
