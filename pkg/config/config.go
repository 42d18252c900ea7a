// Package config loads the sentinel service configuration from a YAML file
// and the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/sentinel/pkg/archive"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
	"github.com/Mindburn-Labs/sentinel/pkg/forensics"
	"github.com/Mindburn-Labs/sentinel/pkg/observability"
	"github.com/Mindburn-Labs/sentinel/pkg/reputation"
	"github.com/Mindburn-Labs/sentinel/pkg/store"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the complete service configuration.
type Config struct {
	Service    ServiceConfig     `yaml:"service"`
	Reputation reputation.Config `yaml:"reputation"`
	Ledger     forensics.Config  `yaml:"ledger"`
	Storage    StorageConfig     `yaml:"storage"`
	Archive    archive.Config    `yaml:"archive"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	LogLevel            string        `yaml:"log_level"`
	LogFormat           string        `yaml:"log_format"` // "text" or "json"
	Environment         string        `yaml:"environment"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	// RateLimit is events per second accepted from one source; 0 disables
	// throttling.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// StorageConfig selects the durable stores. Empty values keep state in
// memory only.
type StorageConfig struct {
	DatabaseURL string             `yaml:"database_url"`
	Redis       store.RedisOptions `yaml:"redis"`
}

// TelemetryConfig configures the OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	tel := observability.DefaultConfig()
	return &Config{
		Service: ServiceConfig{
			LogLevel:            "INFO",
			LogFormat:           "text",
			Environment:         "development",
			MaintenanceInterval: 5 * time.Minute,
			RateLimit:           100,
			RateBurst:           200,
		},
		Reputation: reputation.DefaultConfig(),
		Ledger:     forensics.DefaultConfig(),
		Storage: StorageConfig{
			Redis: store.RedisOptions{Key: store.DefaultSnapshotKey},
		},
		Archive: archive.Config{Type: archive.TypeNone},
		Telemetry: TelemetryConfig{
			Endpoint:    tel.OTLPEndpoint,
			ServiceName: tel.ServiceName,
			SampleRate:  tel.SampleRate,
		},
	}
}

// Load reads the configuration from environment variables over the
// defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML document over the defaults, then applies the
// environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs *multierror.Error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("LOG_LEVEL", &c.Service.LogLevel)
	str("SENTINEL_LOG_FORMAT", &c.Service.LogFormat)
	str("SENTINEL_ENV", &c.Service.Environment)
	dur("SENTINEL_MAINTENANCE_INTERVAL", &c.Service.MaintenanceInterval)
	num("SENTINEL_RATE_LIMIT", &c.Service.RateLimit)
	integer("SENTINEL_RATE_BURST", &c.Service.RateBurst)

	num("SENTINEL_INITIAL_SCORE", &c.Reputation.InitialScore)
	num("SENTINEL_DECAY_RATE", &c.Reputation.DecayRate)
	num("SENTINEL_RECOVERY_RATE", &c.Reputation.RecoveryRate)
	num("SENTINEL_PENALTY_MULTIPLIER", &c.Reputation.PenaltyMultiplier)
	num("SENTINEL_REWARD_MULTIPLIER", &c.Reputation.RewardMultiplier)
	dur("SENTINEL_UPDATE_FREQUENCY", &c.Reputation.UpdateFrequency)

	if v := os.Getenv("SENTINEL_SIGNING_ALGORITHM"); v != "" {
		alg, err := crypto.ParseAlgorithm(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("SENTINEL_SIGNING_ALGORITHM: %w", err))
		} else {
			c.Ledger.SigningAlgorithm = alg
		}
	}
	integer("SENTINEL_KEY_SIZE", &c.Ledger.KeySize)
	integer("SENTINEL_MAX_ENTRIES_PER_CHAIN", &c.Ledger.MaxEntriesPerChain)
	dur("SENTINEL_MAX_CHAIN_AGE", &c.Ledger.MaxChainAge)
	dur("SENTINEL_RETENTION_PERIOD", &c.Ledger.RetentionPeriod)

	str("DATABASE_URL", &c.Storage.DatabaseURL)
	str("REDIS_ADDR", &c.Storage.Redis.Addr)
	str("REDIS_PASSWORD", &c.Storage.Redis.Password)
	integer("REDIS_DB", &c.Storage.Redis.DB)
	str("SENTINEL_SNAPSHOT_KEY", &c.Storage.Redis.Key)
	dur("SENTINEL_SNAPSHOT_TTL", &c.Storage.Redis.TTL)

	if os.Getenv("SENTINEL_ARCHIVE_TYPE") != "" {
		c.Archive = archive.ConfigFromEnv()
	}

	boolean("SENTINEL_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	boolean("SENTINEL_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	str("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	num("SENTINEL_TRACE_SAMPLE_RATE", &c.Telemetry.SampleRate)

	if c.Ledger.Environment == "" {
		c.Ledger.Environment = c.Service.Environment
	}
	return errs.ErrorOrNil()
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := c.SlogLevel(); err != nil {
		add("log_level %q", c.Service.LogLevel)
	}
	switch strings.ToLower(c.Service.LogFormat) {
	case "text", "json":
	default:
		add("log_format %q must be text or json", c.Service.LogFormat)
	}
	if c.Service.MaintenanceInterval <= 0 {
		add("maintenance_interval must be positive")
	}
	if c.Service.RateLimit < 0 {
		add("rate_limit must not be negative")
	}
	if c.Service.RateLimit > 0 && c.Service.RateBurst < 1 {
		add("rate_burst must be at least 1 when rate_limit is set")
	}

	if err := c.Reputation.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := crypto.CheckKeySize(c.Ledger.SigningAlgorithm, c.Ledger.KeySize); err != nil {
		add("ledger signing: %v", err)
	}
	if c.Ledger.MaxEntriesPerChain < 0 || c.Ledger.MaxChainAge < 0 || c.Ledger.RetentionPeriod < 0 {
		add("ledger limits must not be negative")
	}

	if c.Storage.DatabaseURL != "" {
		if _, _, err := store.DriverFor(c.Storage.DatabaseURL); err != nil {
			add("database_url: %v", err)
		}
	}

	switch c.Archive.Type {
	case "", archive.TypeNone, archive.TypeMemory, archive.TypeFS:
	case archive.TypeS3:
		if c.Archive.S3.Bucket == "" {
			add("archive s3 bucket is required")
		}
	case archive.TypeGCS:
		if c.Archive.GCS.Bucket == "" {
			add("archive gcs bucket is required")
		}
	default:
		add("archive type %q", c.Archive.Type)
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry sample_rate must be in [0, 1]")
	}
	return errs.ErrorOrNil()
}

// SlogLevel parses the configured log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(c.Service.LogLevel))
	return lvl, err
}

// ObservabilityConfig converts the telemetry section for the provider.
func (c *Config) ObservabilityConfig() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.Telemetry.Enabled
	oc.Insecure = c.Telemetry.Insecure
	oc.Environment = c.Service.Environment
	oc.SampleRate = c.Telemetry.SampleRate
	if c.Telemetry.Endpoint != "" {
		oc.OTLPEndpoint = c.Telemetry.Endpoint
	}
	if c.Telemetry.ServiceName != "" {
		oc.ServiceName = c.Telemetry.ServiceName
	}
	return oc
}
