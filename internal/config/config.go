package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN       string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL       string `env:"RABBITMQ_URL,required=true"`
	RedisURL          string `env:"REDIS_URL,required=true"`
	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
	BatchConcurrency  int    `env:"BATCH_CONCURRENCY,default=8"`
	ItemConcurrency   int    `env:"ITEM_CONCURRENCY,default=4"`
	FetchTimeoutSec   int    `env:"FETCH_TIMEOUT_SEC,default=10"`
	JPEGQuality       int    `env:"JPEG_QUALITY,default=50"`
	StorageBackend    string `env:"STORAGE_BACKEND,default=fs"`
	OutputDir         string `env:"OUTPUT_DIR,default=processed_images"`
	StatusCacheTTLSec int    `env:"STATUS_CACHE_TTL_SEC,default=600"`
	StaleAfterSec     int    `env:"BATCH_STALE_AFTER_SEC,default=300"`
	RequeueScanSec    int    `env:"REQUEUE_SCAN_INTERVAL_SEC,default=60"`
	MinioEndpoint     string `env:"MINIO_ENDPOINT"`
	MinioAccessKey    string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey    string `env:"MINIO_SECRET_KEY"`
	MinioBucket       string `env:"MINIO_BUCKET,default=imagemill"`
	MinioUseSSL       bool   `env:"MINIO_USE_SSL,default=false"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
