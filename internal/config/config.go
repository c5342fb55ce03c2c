package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr            string        `env:"TRACKX_ADDR" envDefault:"127.0.0.1:8787"`
	CORSOrigin      string        `env:"TRACKX_CORS_ORIGIN" envDefault:"*"`
	ShutdownTimeout time.Duration `env:"TRACKX_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Remote points service
	PointsURL      string        `env:"TRACKX_POINTS_URL" envDefault:"http://localhost:3000/api"`
	PointsTimeout  time.Duration `env:"TRACKX_POINTS_TIMEOUT" envDefault:"30s"`
	PointsPageSize int           `env:"TRACKX_POINTS_PAGE_SIZE" envDefault:"200"`
	CacheTTL       time.Duration `env:"TRACKX_CACHE_TTL" envDefault:"5m"`

	// Device-local store: sqlite, redis or memory
	LocalDriver     string `env:"TRACKX_LOCAL_DRIVER" envDefault:"sqlite"`
	LocalSQLitePath string `env:"TRACKX_LOCAL_SQLITE_PATH" envDefault:"./data/trackx-local.db"`
	RedisURL        string `env:"REDIS_URL"`
	RedisPrefix     string `env:"TRACKX_REDIS_PREFIX" envDefault:"trackx:"`

	// Cloud case store; empty keeps cases in memory
	DatabaseURL string `env:"DATABASE_URL"`

	// Snapshot blobs: minio, s3 or memory
	BlobDriver    string `env:"TRACKX_BLOB_DRIVER" envDefault:"memory"`
	BlobEndpoint  string `env:"TRACKX_BLOB_ENDPOINT"`
	BlobRegion    string `env:"TRACKX_BLOB_REGION" envDefault:"us-east-1"`
	BlobBucket    string `env:"TRACKX_BLOB_BUCKET" envDefault:"trackx-snapshots"`
	BlobAccessKey string `env:"TRACKX_BLOB_ACCESS_KEY"`
	BlobSecretKey string `env:"TRACKX_BLOB_SECRET_KEY"`
	BlobUseSSL    bool   `env:"TRACKX_BLOB_USE_SSL" envDefault:"false"`
	BlobPathStyle bool   `env:"TRACKX_BLOB_PATH_STYLE" envDefault:"true"`
	BlobPublicURL string `env:"TRACKX_BLOB_PUBLIC_URL"`

	SnapshotConcurrency int   `env:"TRACKX_SNAPSHOT_CONCURRENCY" envDefault:"4"`
	MaxImageBytes       int64 `env:"TRACKX_MAX_IMAGE_BYTES" envDefault:"20971520"`

	MeiliURL       string `env:"MEILI_URL"`
	MeiliMasterKey string `env:"MEILI_MASTER_KEY"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LocalDriver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("TRACKX_LOCAL_DRIVER: unknown driver %q", c.LocalDriver)
	}
	if c.LocalDriver == "redis" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required for the redis local driver")
	}
	switch c.BlobDriver {
	case "minio", "s3", "memory":
	default:
		return fmt.Errorf("TRACKX_BLOB_DRIVER: unknown driver %q", c.BlobDriver)
	}
	if c.PointsPageSize <= 0 {
		return fmt.Errorf("TRACKX_POINTS_PAGE_SIZE must be positive")
	}
	return nil
}
