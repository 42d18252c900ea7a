package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Type names an archive backend.
type Type string

const (
	TypeNone   Type = "none"
	TypeMemory Type = "memory"
	TypeFS     Type = "fs"
	TypeS3     Type = "s3"
	TypeGCS    Type = "gcs"
)

// GCSConfig selects the bucket for GCSStore.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Config selects and configures the archive backend.
type Config struct {
	Type Type      `yaml:"type"`
	Dir  string    `yaml:"dir"`
	S3   S3Config  `yaml:"s3"`
	GCS  GCSConfig `yaml:"gcs"`
}

// Enabled reports whether archived segments are kept at all.
func (c Config) Enabled() bool {
	return c.Type != "" && c.Type != TypeNone
}

// NewStore builds the configured backend. A disabled config is an error;
// check Enabled first.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "archive")
		}
		return NewFileStore(dir)
	case TypeS3:
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Store(ctx, cfg.S3)
	case TypeGCS:
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported archive type: %q", cfg.Type)
	}
}

// ConfigFromEnv reads the archive configuration.
//
// Environment variables:
//   - SENTINEL_ARCHIVE_TYPE: "none" (default), "memory", "fs", "s3" or "gcs"
//   - DATA_DIR: base directory for the fs backend (default: "data"),
//     segments go under DATA_DIR/archive
//
// For S3:
//   - SENTINEL_ARCHIVE_S3_BUCKET (required)
//   - SENTINEL_ARCHIVE_S3_REGION or AWS_REGION
//   - SENTINEL_ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - SENTINEL_ARCHIVE_S3_PREFIX (optional)
//
// For GCS:
//   - SENTINEL_ARCHIVE_GCS_BUCKET (required)
//   - SENTINEL_ARCHIVE_GCS_PREFIX (optional)
func ConfigFromEnv() Config {
	cfg := Config{Type: Type(os.Getenv("SENTINEL_ARCHIVE_TYPE"))}
	if cfg.Type == "" {
		cfg.Type = TypeNone
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	cfg.Dir = filepath.Join(dataDir, "archive")

	region := os.Getenv("SENTINEL_ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	cfg.S3 = S3Config{
		Bucket:   os.Getenv("SENTINEL_ARCHIVE_S3_BUCKET"),
		Region:   region,
		Endpoint: os.Getenv("SENTINEL_ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("SENTINEL_ARCHIVE_S3_PREFIX"),
	}
	cfg.GCS = GCSConfig{
		Bucket: os.Getenv("SENTINEL_ARCHIVE_GCS_BUCKET"),
		Prefix: os.Getenv("SENTINEL_ARCHIVE_GCS_PREFIX"),
	}
	return cfg
}

// NewStoreFromEnv is NewStore over ConfigFromEnv.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	cfg := ConfigFromEnv()
	if !cfg.Enabled() {
		return nil, fmt.Errorf("archive disabled (SENTINEL_ARCHIVE_TYPE=%s)", cfg.Type)
	}
	return NewStore(ctx, cfg)
}
