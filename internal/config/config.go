package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"skinscan.db"`

	BatchSize      int           `env:"BATCH_SIZE" envDefault:"16"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	JobExpiry      time.Duration `env:"JOB_EXPIRY" envDefault:"900s"`
	ExplainWorkers int           `env:"EXPLAIN_WORKERS" envDefault:"4"`

	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"memory"`
	RedisURL     string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	JobQueueKey  string `env:"JOB_QUEUE_KEY" envDefault:"skinscan:prediction_jobs"`
	RabbitMQURL  string `env:"RABBITMQ_URL"`

	StorageDir        string `env:"STORAGE_DIR"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	ModelBucket       string `env:"MODEL_BUCKET" envDefault:"skinscan-models"`

	Port        string `env:"PORT" envDefault:"8000"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("BATCH_SIZE must not be negative, got %d", c.BatchSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.JobExpiry <= 0 {
		return fmt.Errorf("JOB_EXPIRY must be positive, got %s", c.JobExpiry)
	}
	if c.ExplainWorkers < 1 {
		return fmt.Errorf("EXPLAIN_WORKERS must be at least 1, got %d", c.ExplainWorkers)
	}
	switch c.QueueBackend {
	case QueueBackendMemory:
	case QueueBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set when QUEUE_BACKEND is %s", QueueBackendRedis)
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	return nil
}

// UsesS3 reports whether model weights should be read from S3 rather than the
// local storage directory.
func (c *Config) UsesS3() bool {
	return c.S3EndpointURL != "" || (c.StorageDir == "" && c.S3AccessKeyID != "")
}
