// Package config loads runtime settings from OMNIKEEPER_* environment variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every environment variable read by Load.
const Prefix = "OMNIKEEPER_"

// Config holds all runtime configuration.
type Config struct {
	Storage StorageConfig
	Blob    BlobConfig
	Log     LogConfig
	Engine  EngineConfig
	Metrics MetricsConfig

	// TraitsFile points at a YAML file of trait definitions loaded at startup.
	TraitsFile string `env:"TRAITS_FILE"`
	// InfraLayers is the layer set the infra plugin validates hosts against.
	InfraLayers []string `env:"INFRA_PLUGIN_LAYERS" envSeparator:","`
}

// StorageConfig selects the fact store backend.
type StorageConfig struct {
	Driver      string `env:"STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"omnikeeper.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`
}

// BlobConfig selects the object store used for layer archives.
type BlobConfig struct {
	Driver string `env:"BLOB_DRIVER" envDefault:"fs"`
	FSRoot string `env:"BLOB_FS_ROOT" envDefault:"./blobdata"`

	S3Bucket    string `env:"BLOB_S3_BUCKET"`
	S3Region    string `env:"BLOB_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"BLOB_S3_ENDPOINT"`
	S3PathStyle bool   `env:"BLOB_S3_PATH_STYLE" envDefault:"false"`

	// ExportPrefix is the key prefix layer archives are written under.
	ExportPrefix string `env:"EXPORT_PREFIX" envDefault:"exports"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// EngineConfig tunes the merge engine.
type EngineConfig struct {
	CacheSize   int `env:"CACHE_SIZE" envDefault:"1024"`
	MergeFanout int `env:"MERGE_FANOUT" envDefault:"8"`
}

// MetricsConfig controls the Prometheus recorder.
type MetricsConfig struct {
	Namespace string `env:"METRICS_NAMESPACE" envDefault:"omnikeeper"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses the given environment map instead of the process environment.
func LoadFrom(environment map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environment})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %s", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case "fs", "s3", "memory":
	default:
		return fmt.Errorf("unknown blob driver %s", c.Blob.Driver)
	}
	if c.Blob.Driver == "s3" && c.Blob.S3Bucket == "" {
		return fmt.Errorf("%sBLOB_S3_BUCKET required for s3 driver", Prefix)
	}
	if c.Engine.MergeFanout < 1 {
		return fmt.Errorf("merge fanout must be positive, got %d", c.Engine.MergeFanout)
	}
	if c.Engine.CacheSize < 0 {
		return fmt.Errorf("cache size must not be negative, got %d", c.Engine.CacheSize)
	}
	return nil
}
