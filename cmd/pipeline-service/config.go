package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"judgepipe/internal/common/cache"
	"judgepipe/internal/common/db"
	"judgepipe/internal/common/mq"
	"judgepipe/internal/common/storage"
	"judgepipe/internal/pipeline/service"
	"judgepipe/pkg/utils/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second

	transportHTTP  = "http"
	transportKafka = "kafka"

	envMySQLDSN  = "JUDGEPIPE_MYSQL_DSN"
	envRedisAddr = "JUDGEPIPE_REDIS_ADDR"
	envWorkerURL = "JUDGEPIPE_WORKER_URL"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// DispatchConfig selects and tunes the worker transport.
type DispatchConfig struct {
	// Transport is "http" or "kafka"
	Transport   string        `yaml:"transport"`
	WorkerURL   string        `yaml:"workerURL"`
	Topic       string        `yaml:"topic"`
	SendTimeout time.Duration `yaml:"sendTimeout"`
	MaxInFlight int           `yaml:"maxInFlight"`
}

// ConsumerConfig tunes the results topic consumer.
type ConsumerConfig struct {
	Topic           string        `yaml:"topic"`
	ConsumerGroup   string        `yaml:"consumerGroup"`
	PrefetchCount   int           `yaml:"prefetchCount"`
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
}

func (c ConsumerConfig) toSubscribeOptions() mq.SubscribeOptions {
	return mq.SubscribeOptions{
		ConsumerGroup:   c.ConsumerGroup,
		PrefetchCount:   c.PrefetchCount,
		Concurrency:     c.Concurrency,
		MaxRetries:      c.MaxRetries,
		RetryDelay:      c.RetryDelay,
		DeadLetterTopic: c.DeadLetterTopic,
	}
}

// RateLimitConfig throttles retest requests.
type RateLimitConfig struct {
	Window    time.Duration `yaml:"window"`
	IPMax     int           `yaml:"ipMax"`
	TargetMax int           `yaml:"targetMax"`
}

// PipelineConfig holds pipeline behaviour settings.
type PipelineConfig struct {
	Dispatch           DispatchConfig        `yaml:"dispatch"`
	Results            ConsumerConfig        `yaml:"results"`
	RetestRateLimit    RateLimitConfig       `yaml:"retestRateLimit"`
	RedispatchLimit    int                   `yaml:"redispatchLimit"`
	IngestLockTTL      time.Duration         `yaml:"ingestLockTTL"`
	DefinitionCacheTTL time.Duration         `yaml:"definitionCacheTTL"`
	DefinitionEmptyTTL time.Duration         `yaml:"definitionEmptyTTL"`
	ArchiveKeyPrefix   string                `yaml:"archiveKeyPrefix"`
	Timeouts           service.TimeoutConfig `yaml:"timeouts"`
}

// AppConfig holds pipeline-service configuration.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Kafka    mq.KafkaConfig      `yaml:"kafka"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Pipeline PipelineConfig      `yaml:"pipeline"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadEnvFile reads an optional dotenv file. Variables already set in the
// environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	dispatch := &cfg.Pipeline.Dispatch
	dispatch.Transport = strings.ToLower(strings.TrimSpace(dispatch.Transport))
	if dispatch.Transport == "" {
		dispatch.Transport = transportHTTP
	}
	switch dispatch.Transport {
	case transportHTTP:
		if dispatch.WorkerURL == "" {
			return nil, fmt.Errorf("pipeline.dispatch.workerURL is required for http transport")
		}
	case transportKafka:
		if dispatch.Topic == "" {
			dispatch.Topic = "pipeline.execution.requests"
		}
	default:
		return nil, fmt.Errorf("unknown dispatch transport %q", dispatch.Transport)
	}
	if dispatch.SendTimeout == 0 {
		dispatch.SendTimeout = 10 * time.Second
	}
	if dispatch.MaxInFlight == 0 {
		dispatch.MaxInFlight = 16
	}
	if needsKafka(&cfg) && len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	if cfg.Pipeline.Results.Topic != "" && cfg.Pipeline.Results.ConsumerGroup == "" {
		cfg.Pipeline.Results.ConsumerGroup = "judgepipe-results"
	}
	if cfg.Pipeline.RetestRateLimit.Window == 0 {
		cfg.Pipeline.RetestRateLimit.Window = time.Minute
	}
	if cfg.Pipeline.RedispatchLimit == 0 {
		cfg.Pipeline.RedispatchLimit = 100
	}
	if cfg.Pipeline.IngestLockTTL == 0 {
		cfg.Pipeline.IngestLockTTL = 30 * time.Second
	}
	if cfg.Pipeline.DefinitionCacheTTL == 0 {
		cfg.Pipeline.DefinitionCacheTTL = 10 * time.Minute
	}
	if cfg.Pipeline.DefinitionEmptyTTL == 0 {
		cfg.Pipeline.DefinitionEmptyTTL = time.Minute
	}
	if cfg.Pipeline.ArchiveKeyPrefix == "" {
		cfg.Pipeline.ArchiveKeyPrefix = "archive/submissions"
	}

	timeouts := &cfg.Pipeline.Timeouts
	if timeouts.DB == 0 {
		timeouts.DB = 3 * time.Second
	}
	if timeouts.Cache == 0 {
		timeouts.Cache = time.Second
	}
	if timeouts.Storage == 0 {
		timeouts.Storage = 10 * time.Second
	}
	if timeouts.Dispatch == 0 {
		timeouts.Dispatch = 5 * time.Minute
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv(envMySQLDSN); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv(envWorkerURL); v != "" {
		cfg.Pipeline.Dispatch.WorkerURL = v
	}
}

func needsKafka(cfg *AppConfig) bool {
	return cfg.Pipeline.Dispatch.Transport == transportKafka || cfg.Pipeline.Results.Topic != ""
}

func archiveEnabled(cfg *AppConfig) bool {
	return cfg.MinIO.Endpoint != "" && cfg.MinIO.Bucket != ""
}
