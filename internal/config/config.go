// Package config loads agent and CLI configuration from a YAML file and
// FIELDSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Directory holding fieldsync.db
	DataDir string

	API          APIConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig

	// Local REST/WebSocket listen address for the desktop shell
	HTTPAddr string

	LogLevel string

	// OTLP gRPC collector address; tracing is disabled when empty
	OTELEndpoint string
}

// APIConfig configures the remote service client.
type APIConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RateLimit float64
}

// SyncConfig configures draining.
type SyncConfig struct {
	MaxBatch      int
	SubmitTimeout time.Duration

	// Optional periodic retry; 0 disables it
	Interval time.Duration

	// Synced records older than this are pruned after a drain; 0 keeps them
	Retention time.Duration
}

// ConnectivityConfig configures the online/offline prober.
type ConnectivityConfig struct {
	ProbeURL      string
	ProbeInterval time.Duration
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("api.base_url", "http://localhost:5000")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.rate_limit", 5)
	v.SetDefault("sync.max_batch", 10)
	v.SetDefault("sync.submit_timeout", "15s")
	v.SetDefault("sync.interval", "0s")
	v.SetDefault("sync.retention", "0s")
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", "10s")
	v.SetDefault("http.addr", "127.0.0.1:8090")
	v.SetDefault("log.level", "info")
	v.SetDefault("otel.endpoint", "")
}

// Load reads configuration. When path is empty, fieldsync.yaml in the
// working directory is used if present. Environment variables prefixed with
// FIELDSYNC_ override file values (e.g. FIELDSYNC_API_BASE_URL).
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper builds a Config from an already-populated viper instance. The CLI
// uses this after binding its flags.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir: v.GetString("data_dir"),
		API: APIConfig{
			BaseURL:   strings.TrimRight(v.GetString("api.base_url"), "/"),
			Token:     v.GetString("api.token"),
			Timeout:   v.GetDuration("api.timeout"),
			RateLimit: v.GetFloat64("api.rate_limit"),
		},
		Sync: SyncConfig{
			MaxBatch:      v.GetInt("sync.max_batch"),
			SubmitTimeout: v.GetDuration("sync.submit_timeout"),
			Interval:      v.GetDuration("sync.interval"),
			Retention:     v.GetDuration("sync.retention"),
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:      v.GetString("connectivity.probe_url"),
			ProbeInterval: v.GetDuration("connectivity.probe_interval"),
		},
		HTTPAddr:     v.GetString("http.addr"),
		LogLevel:     v.GetString("log.level"),
		OTELEndpoint: v.GetString("otel.endpoint"),
	}

	if cfg.Connectivity.ProbeURL == "" {
		cfg.Connectivity.ProbeURL = cfg.API.BaseURL + "/api/health"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the agent cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required (env: FIELDSYNC_DATA_DIR)")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout)
	}
	if c.Sync.MaxBatch < 0 {
		return fmt.Errorf("sync.max_batch must not be negative, got %d", c.Sync.MaxBatch)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api.rate_limit must not be negative, got %v", c.API.RateLimit)
	}
	return nil
}
