package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
	mu       sync.RWMutex
)

// Store drivers
const (
	StoreMemory    = "memory"
	StoreReindexer = "reindexer"
	StoreRedis     = "redis"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Store       StoreConfig       `mapstructure:"store"`
	Reindexer   ReindexerConfig   `mapstructure:"reindexer"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Engines     EnginesConfig     `mapstructure:"engines"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host" validate:"required"`
	Port           int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=0"`
	RateLimit      int           `mapstructure:"rate_limit" validate:"min=1"` // requests per minute
}

// LoggingConfig contains logger configuration
type LoggingConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// StoreConfig selects where job state is mirrored
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory reindexer redis"`
}

// ReindexerConfig contains Reindexer database configuration
type ReindexerConfig struct {
	DSN            string `mapstructure:"dsn" validate:"required_if=Enabled true"`
	Namespace      string `mapstructure:"namespace" validate:"required"`
	MaxConnections int    `mapstructure:"max_connections" validate:"min=1"`
	Enabled        bool   `mapstructure:"-"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
	Prefix   string `mapstructure:"prefix" validate:"required"`
}

// CacheConfig contains engine cache configuration
type CacheConfig struct {
	Shards int `mapstructure:"shards" validate:"min=1"`
	TTL    int `mapstructure:"ttl" validate:"min=0"` // TTL in seconds
}

// ConcurrencyConfig contains concurrency settings
type ConcurrencyConfig struct {
	FileWorkers      int `mapstructure:"file_workers" validate:"min=1"`
	MaxActiveBatches int `mapstructure:"max_active_batches" validate:"min=1"`
}

// BatchConfig contains batch processing settings
type BatchConfig struct {
	FileTimeout time.Duration `mapstructure:"file_timeout" validate:"min=0"` // 0 disables the limit
	ExportDir   string        `mapstructure:"export_dir"`
}

// EnginesConfig contains document engine settings
type EnginesConfig struct {
	DefaultLang string              `mapstructure:"default_lang" validate:"required"`
	Structure   RemoteEngineConfig  `mapstructure:"structure"`
	VL          VLEngineConfig      `mapstructure:"vl"`
	Breaker     BreakerEngineConfig `mapstructure:"breaker"`
}

// RemoteEngineConfig points at an HTTP inference service
type RemoteEngineConfig struct {
	Endpoint string        `mapstructure:"endpoint" validate:"omitempty,url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"min=0"`
}

// VLEngineConfig points at an OpenAI-compatible vision-language endpoint
type VLEngineConfig struct {
	RemoteEngineConfig `mapstructure:",squash"`
	Model              string `mapstructure:"model"`
	Prompt             string `mapstructure:"prompt"`
}

// BreakerEngineConfig tunes the circuit breaker around remote engines
type BreakerEngineConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests" validate:"min=1"`
	Interval     time.Duration `mapstructure:"interval" validate:"min=0"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"min=0"`
	MinRequests  uint32        `mapstructure:"min_requests" validate:"min=1"`
	FailureRatio float64       `mapstructure:"failure_ratio" validate:"gt=0,lte=1"`
}

// Get returns the singleton configuration instance
func Get() *Config {
	once.Do(func() {
		mu.Lock()
		if instance == nil {
			instance = &Config{}
		}
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// Load initializes and loads configuration from file and environment variables
func Load(configPath string) error {
	mu.Lock()
	defer mu.Unlock()
	return load(configPath)
}

// Reload reloads the configuration (thread-safe)
func Reload(configPath string) error {
	mu.Lock()
	defer mu.Unlock()

	// Reset viper state so removed keys do not survive the reload
	viper.Reset()
	return load(configPath)
}

func load(configPath string) error {
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("APP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	setDefaults()

	// Load from file if provided
	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables
	bindEnvVars()

	// Unmarshal configuration
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Reindexer.Enabled = cfg.Store.Driver == StoreReindexer

	// Validate configuration
	if err := validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	instance = cfg
	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.request_timeout", 30*time.Second)
	viper.SetDefault("server.rate_limit", 600)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.development", false)

	// Store defaults
	viper.SetDefault("store.driver", StoreMemory)

	// Reindexer defaults
	// Используем cproto протокол (требует CGO) - RPC/TCP порт 6534
	viper.SetDefault("reindexer.dsn", "cproto://localhost:6534/db")
	viper.SetDefault("reindexer.namespace", "batch_jobs")
	viper.SetDefault("reindexer.max_connections", 10)

	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.prefix", "paddle")

	// Cache defaults
	viper.SetDefault("cache.shards", 16)
	viper.SetDefault("cache.ttl", 1800)

	// Concurrency defaults
	viper.SetDefault("concurrency.file_workers", 1)
	viper.SetDefault("concurrency.max_active_batches", 4)

	// Batch defaults
	viper.SetDefault("batch.file_timeout", 0)
	viper.SetDefault("batch.export_dir", "")

	// Engine defaults
	viper.SetDefault("engines.default_lang", "en")
	viper.SetDefault("engines.structure.endpoint", "http://localhost:8081/layout-parsing")
	viper.SetDefault("engines.structure.timeout", 120*time.Second)
	viper.SetDefault("engines.vl.endpoint", "http://localhost:8000/v1")
	viper.SetDefault("engines.vl.model", "PaddleOCR-VL")
	viper.SetDefault("engines.vl.timeout", 180*time.Second)
	viper.SetDefault("engines.breaker.max_requests", 1)
	viper.SetDefault("engines.breaker.interval", 30*time.Second)
	viper.SetDefault("engines.breaker.timeout", 10*time.Second)
	viper.SetDefault("engines.breaker.min_requests", 3)
	viper.SetDefault("engines.breaker.failure_ratio", 0.6)
}

// bindEnvVars binds environment variables to viper keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.host", "APP_SERVER_HOST")
	viper.BindEnv("server.port", "APP_SERVER_PORT")
	viper.BindEnv("server.request_timeout", "APP_SERVER_REQUEST_TIMEOUT")

	// Logging
	viper.BindEnv("logging.level", "APP_LOG_LEVEL")
	viper.BindEnv("logging.development", "APP_LOG_DEVELOPMENT")

	// Store
	viper.BindEnv("store.driver", "APP_STORE_DRIVER")

	// Reindexer
	viper.BindEnv("reindexer.dsn", "APP_REINDEXER_DSN")
	viper.BindEnv("reindexer.namespace", "APP_REINDEXER_NAMESPACE")

	// Redis
	viper.BindEnv("redis.addr", "APP_REDIS_ADDR")
	viper.BindEnv("redis.password", "APP_REDIS_PASSWORD")
	viper.BindEnv("redis.db", "APP_REDIS_DB")

	// Concurrency
	viper.BindEnv("concurrency.file_workers", "APP_CONCURRENCY_FILE_WORKERS")
	viper.BindEnv("concurrency.max_active_batches", "APP_CONCURRENCY_MAX_ACTIVE_BATCHES")

	// Batch
	viper.BindEnv("batch.file_timeout", "APP_BATCH_FILE_TIMEOUT")
	viper.BindEnv("batch.export_dir", "APP_BATCH_EXPORT_DIR")

	// Engines
	viper.BindEnv("engines.structure.endpoint", "APP_STRUCTURE_ENDPOINT")
	viper.BindEnv("engines.structure.api_key", "APP_STRUCTURE_API_KEY")
	viper.BindEnv("engines.vl.endpoint", "APP_VL_ENDPOINT")
	viper.BindEnv("engines.vl.api_key", "APP_VL_API_KEY")
	viper.BindEnv("engines.vl.model", "APP_VL_MODEL")
}

// validate performs validation on the configuration
func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %s validation", fe.Namespace(), fe.Tag())
		}
		return err
	}
	return nil
}
