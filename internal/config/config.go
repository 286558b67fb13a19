// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8000).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCHealthAddr is the address the gRPC health endpoint listens on; empty disables it.
	GRPCHealthAddr string `mapstructure:"GRPC_HEALTH_ADDR"`
	// DatabaseURL is the Postgres DSN; required by server, sweeper, migrate, and seed.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// MaxVideoBytes is the maximum accepted video size in bytes (default 100 MiB).
	MaxVideoBytes int64 `mapstructure:"MAX_VIDEO_BYTES"`
	// AllowedVideoTypes is a comma-separated MIME allow-list for uploads
	// (default video/mp4,video/quicktime,video/x-msvideo).
	AllowedVideoTypes string `mapstructure:"ALLOWED_VIDEO_TYPES"`
	// ChunkBytes is the blob chunk size in bytes (default 1 MiB). Bounds per-request memory.
	ChunkBytes int `mapstructure:"CHUNK_BYTES"`
	// DataRetentionDays is how long sessions and their videos are kept (default 90).
	DataRetentionDays int `mapstructure:"DATA_RETENTION_DAYS"`
	// SweepInterval is how often the retention sweeper runs (e.g. "24h"). "0" disables the in-process sweeper.
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`
	// AttachTimeout is the max duration for a single video upload (e.g. "10m").
	AttachTimeout string `mapstructure:"ATTACH_TIMEOUT"`
	// CORSOrigins is a comma-separated list of allowed origins; "*" allows all.
	CORSOrigins string `mapstructure:"CORS_ORIGINS"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g. http://localhost:4317); empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("GRPC_HEALTH_ADDR", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("MAX_VIDEO_BYTES", 100*1024*1024)
	v.SetDefault("ALLOWED_VIDEO_TYPES", "video/mp4,video/quicktime,video/x-msvideo")
	v.SetDefault("CHUNK_BYTES", 1024*1024)
	v.SetDefault("DATA_RETENTION_DAYS", 90)
	v.SetDefault("SWEEP_INTERVAL", "24h")
	v.SetDefault("ATTACH_TIMEOUT", "10m")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.MaxVideoBytes <= 0 {
		return nil, errors.New("config: MAX_VIDEO_BYTES must be positive")
	}
	if cfg.ChunkBytes <= 0 {
		return nil, errors.New("config: CHUNK_BYTES must be positive")
	}
	if int64(cfg.ChunkBytes) > cfg.MaxVideoBytes {
		return nil, errors.New("config: CHUNK_BYTES must not exceed MAX_VIDEO_BYTES")
	}
	if cfg.DataRetentionDays <= 0 {
		return nil, errors.New("config: DATA_RETENTION_DAYS must be positive")
	}
	if len(cfg.AllowedTypes()) == 0 {
		return nil, errors.New("config: ALLOWED_VIDEO_TYPES must list at least one MIME type")
	}
	if _, err := time.ParseDuration(cfg.SweepInterval); err != nil && cfg.SweepInterval != "0" {
		return nil, fmt.Errorf("config: SWEEP_INTERVAL: %w", err)
	}

	return &cfg, nil
}

// AllowedTypes returns the upload MIME allow-list from the comma-separated config.
func (c *Config) AllowedTypes() []string {
	if c == nil || c.AllowedVideoTypes == "" {
		return nil
	}
	parts := strings.Split(c.AllowedVideoTypes, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(strings.ToLower(p)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RetentionPeriod returns the retention window as a duration.
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.DataRetentionDays) * 24 * time.Hour
}

// SweepEvery parses SweepInterval. Returns 24h if unset or invalid; 0 means the in-process sweeper is disabled.
func (c *Config) SweepEvery() time.Duration {
	if c.SweepInterval == "0" {
		return 0
	}
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil || d < 0 {
		return 24 * time.Hour
	}
	return d
}

// AttachDeadline parses AttachTimeout. Returns 10m if unset or invalid.
func (c *Config) AttachDeadline() time.Duration {
	d, err := time.ParseDuration(c.AttachTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// CORSOriginList returns allowed origins from the comma-separated config.
func (c *Config) CORSOriginList() []string {
	if c == nil || c.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
