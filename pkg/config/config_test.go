package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/archive"
	"github.com/Mindburn-Labs/sentinel/pkg/config"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
)

var envKeys = []string{
	"LOG_LEVEL", "SENTINEL_LOG_FORMAT", "SENTINEL_ENV", "SENTINEL_MAINTENANCE_INTERVAL",
	"SENTINEL_RATE_LIMIT", "SENTINEL_RATE_BURST", "SENTINEL_INITIAL_SCORE", "SENTINEL_DECAY_RATE",
	"SENTINEL_RECOVERY_RATE", "SENTINEL_PENALTY_MULTIPLIER", "SENTINEL_REWARD_MULTIPLIER",
	"SENTINEL_UPDATE_FREQUENCY", "SENTINEL_SIGNING_ALGORITHM", "SENTINEL_KEY_SIZE",
	"SENTINEL_MAX_ENTRIES_PER_CHAIN", "SENTINEL_MAX_CHAIN_AGE", "SENTINEL_RETENTION_PERIOD",
	"DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "SENTINEL_SNAPSHOT_KEY",
	"SENTINEL_SNAPSHOT_TTL", "SENTINEL_ARCHIVE_TYPE", "SENTINEL_TELEMETRY_ENABLED",
	"SENTINEL_TELEMETRY_INSECURE", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
	"SENTINEL_TRACE_SAMPLE_RATE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// The service must boot with safe defaults and no environment.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "INFO", cfg.Service.LogLevel)
	assert.Equal(t, "text", cfg.Service.LogFormat)
	assert.Equal(t, 5*time.Minute, cfg.Service.MaintenanceInterval)
	assert.Equal(t, 0.5, cfg.Reputation.InitialScore)
	assert.Equal(t, crypto.AlgorithmEd25519, cfg.Ledger.SigningAlgorithm)
	assert.Equal(t, "development", cfg.Ledger.Environment)
	assert.Empty(t, cfg.Storage.DatabaseURL)
	assert.False(t, cfg.Archive.Enabled())
	assert.False(t, cfg.Telemetry.Enabled)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SENTINEL_LOG_FORMAT", "json")
	t.Setenv("SENTINEL_ENV", "production")
	t.Setenv("SENTINEL_RATE_LIMIT", "5")
	t.Setenv("SENTINEL_RATE_BURST", "10")
	t.Setenv("SENTINEL_DECAY_RATE", "0.02")
	t.Setenv("SENTINEL_UPDATE_FREQUENCY", "30s")
	t.Setenv("SENTINEL_SIGNING_ALGORITHM", "ECDSA")
	t.Setenv("SENTINEL_KEY_SIZE", "384")
	t.Setenv("SENTINEL_RETENTION_PERIOD", "720h")
	t.Setenv("DATABASE_URL", "postgres://sentinel@db:5432/sentinel")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("SENTINEL_SNAPSHOT_TTL", "12h")
	t.Setenv("SENTINEL_ARCHIVE_TYPE", "fs")
	t.Setenv("DATA_DIR", "/var/lib/sentinel")
	t.Setenv("SENTINEL_TELEMETRY_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "json", cfg.Service.LogFormat)
	assert.Equal(t, "production", cfg.Ledger.Environment)
	assert.Equal(t, 5.0, cfg.Service.RateLimit)
	assert.Equal(t, 10, cfg.Service.RateBurst)
	assert.Equal(t, 0.02, cfg.Reputation.DecayRate)
	assert.Equal(t, 30*time.Second, cfg.Reputation.UpdateFrequency)
	assert.Equal(t, crypto.AlgorithmECDSA, cfg.Ledger.SigningAlgorithm)
	assert.Equal(t, 384, cfg.Ledger.KeySize)
	assert.Equal(t, 720*time.Hour, cfg.Ledger.RetentionPeriod)
	assert.Equal(t, "postgres://sentinel@db:5432/sentinel", cfg.Storage.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 12*time.Hour, cfg.Storage.Redis.TTL)
	assert.Equal(t, archive.TypeFS, cfg.Archive.Type)
	assert.Equal(t, filepath.Join("/var/lib/sentinel", "archive"), cfg.Archive.Dir)

	oc := cfg.ObservabilityConfig()
	assert.True(t, oc.Enabled)
	assert.Equal(t, "collector:4317", oc.OTLPEndpoint)
	assert.Equal(t, "production", oc.Environment)
}

func TestLoad_BadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SENTINEL_RATE_BURST", "many")
	t.Setenv("SENTINEL_MAX_CHAIN_AGE", "a day")
	t.Setenv("SENTINEL_SIGNING_ALGORITHM", "dsa")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SENTINEL_RATE_BURST")
	assert.Contains(t, err.Error(), "SENTINEL_MAX_CHAIN_AGE")
	assert.ErrorIs(t, err, crypto.ErrUnsupportedAlgorithm)
}

const sampleYAML = `
service:
  log_level: WARN
  maintenance_interval: 1m
  rate_limit: 20
  rate_burst: 40
reputation:
  initial_score: 0.6
  penalty_multiplier: 1.5
  max_history_length: 50
ledger:
  max_entries_per_chain: 500
  max_chain_age: 12h
  environment: staging
storage:
  database_url: sqlite:///tmp/sentinel.db
archive:
  type: s3
  s3:
    bucket: forensic-archive
    region: eu-central-1
telemetry:
  sample_rate: 0.25
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)

	cfg, err := config.LoadFile(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "WARN", cfg.Service.LogLevel)
	assert.Equal(t, time.Minute, cfg.Service.MaintenanceInterval)
	assert.Equal(t, 0.6, cfg.Reputation.InitialScore)
	assert.Equal(t, 1.5, cfg.Reputation.PenaltyMultiplier)
	assert.Equal(t, 50, cfg.Reputation.MaxHistoryLength)
	assert.Equal(t, 1.0, cfg.Reputation.MaxScore, "unset keys keep defaults")
	assert.Equal(t, 500, cfg.Ledger.MaxEntriesPerChain)
	assert.Equal(t, 12*time.Hour, cfg.Ledger.MaxChainAge)
	assert.Equal(t, "staging", cfg.Ledger.Environment)
	assert.Equal(t, archive.TypeS3, cfg.Archive.Type)
	assert.Equal(t, "forensic-archive", cfg.Archive.S3.Bucket)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRate)
}

func TestLoadFile_EnvWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("DATABASE_URL", "postgres://db/sentinel")

	cfg, err := config.LoadFile(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Service.LogLevel)
	assert.Equal(t, "postgres://db/sentinel", cfg.Storage.DatabaseURL)
	assert.Equal(t, 500, cfg.Ledger.MaxEntriesPerChain)
}

func TestLoadFile_Errors(t *testing.T) {
	clearEnv(t)

	_, err := config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.LoadFile(writeConfig(t, "service: [unclosed"))
	assert.Error(t, err)
}

func TestValidate_CollectsAll(t *testing.T) {
	cfg := config.Default()
	cfg.Service.LogLevel = "chatty"
	cfg.Service.LogFormat = "xml"
	cfg.Service.MaintenanceInterval = 0
	cfg.Reputation.MinScore = 2
	cfg.Ledger.SigningAlgorithm = crypto.AlgorithmRSAPSS
	cfg.Ledger.KeySize = 1024
	cfg.Storage.DatabaseURL = "mysql://db"
	cfg.Archive.Type = archive.TypeGCS
	cfg.Telemetry.SampleRate = 2

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
	for _, want := range []string{"log_level", "log_format", "maintenance_interval", "min_score", "rsa key size", "database_url", "gcs bucket", "sample_rate"} {
		assert.Contains(t, err.Error(), want)
	}
}
