// Package config загружает настройки сервиса из переменных окружения COMMERCE_* и
// необязательного файла конфигурации.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix     = "COMMERCE"
	configFileEnv = "COMMERCE_CONFIG_FILE"

	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	devJWTSecret = "dev-secret-change-me"
)

// Config — полная конфигурация сервиса.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Orders      OrdersConfig      `mapstructure:"orders"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Пустой Addr отключает gRPC health-сервер.
type GRPCConfig struct {
	HealthAddr string `mapstructure:"health_addr"`
}

type StorageConfig struct {
	Driver       string        `mapstructure:"driver"`
	PostgresDSN  string        `mapstructure:"postgres_dsn"`
	AutoMigrate  bool          `mapstructure:"auto_migrate"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	Issuer        string        `mapstructure:"issuer"`
	AccessTTL     time.Duration `mapstructure:"access_ttl"`
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
	BcryptCost    int           `mapstructure:"bcrypt_cost"`
	AdminUsername string        `mapstructure:"admin_username"`
	AdminEmail    string        `mapstructure:"admin_email"`
	AdminPassword string        `mapstructure:"admin_password"`
}

// RateLimitConfig ограничивает попытки входа. Без RedisAddr используется лимитер в памяти.
type RateLimitConfig struct {
	LoginCapacity int           `mapstructure:"login_capacity"`
	LoginWindow   time.Duration `mapstructure:"login_window"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
}

// KafkaConfig — пустой Brokers отключает публикацию и уведомления.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ClientID      string   `mapstructure:"client_id"`
	Compression   string   `mapstructure:"compression"`
	OrderTopic    string   `mapstructure:"order_topic"`
	DLQTopic      string   `mapstructure:"dlq_topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Notifications bool     `mapstructure:"notifications"`

	// Попытки обработки события consumer до отправки в DLQ.
	ConsumerMaxAttempts int           `mapstructure:"consumer_max_attempts"`
	ConsumerRetryDelay  time.Duration `mapstructure:"consumer_retry_delay"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`

	// RetryDelay удваивается после каждой неудачи, но не превышает MaxRetryDelay.
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
}

type IdempotencyConfig struct {
	TTL              time.Duration `mapstructure:"ttl"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	CleanupBatchSize int           `mapstructure:"cleanup_batch_size"`
}

// OrdersConfig настраивает повтор создания заказа при конфликте блокировок.
type OrdersConfig struct {
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		GRPC:    GRPCConfig{HealthAddr: ":50051"},
		Storage: StorageConfig{
			Driver:       StorageDriverMemory,
			AutoMigrate:  true,
			LockTimeout:  5 * time.Second,
			MaxOpenConns: 25,
		},
		Auth: AuthConfig{
			JWTSecret:     devJWTSecret,
			Issuer:        "commerce-api",
			AccessTTL:     30 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			BcryptCost:    12,
			AdminUsername: "admin",
		},
		RateLimit: RateLimitConfig{
			LoginCapacity: 10,
			LoginWindow:   time.Minute,
		},
		Kafka: KafkaConfig{
			ClientID:      "commerce-api",
			Compression:   "snappy",
			OrderTopic:    "commerce.order.events",
			DLQTopic:      "commerce.dlq",
			ConsumerGroup: "commerce-notifications",
			Notifications: true,

			ConsumerMaxAttempts: 3,
			ConsumerRetryDelay:  200 * time.Millisecond,
		},
		Outbox: OutboxConfig{
			PollInterval:  time.Second,
			BatchSize:     100,
			MaxAttempts:   5,
			RetryDelay:    time.Second,
			MaxRetryDelay: time.Minute,
		},
		Idempotency: IdempotencyConfig{
			TTL:              24 * time.Hour,
			CleanupInterval:  10 * time.Minute,
			CleanupBatchSize: 500,
		},
		Orders: OrdersConfig{
			RetryAttempts:     3,
			RetryInitialDelay: 50 * time.Millisecond,
			RetryMaxDelay:     time.Second,
		},
	}
}

// Load читает конфигурацию: значения по умолчанию, затем файл из COMMERCE_CONFIG_FILE,
// затем переменные окружения (COMMERCE_HTTP_ADDR, COMMERCE_STORAGE_DRIVER, ...).
func Load() (Config, error) {
	return load(os.Getenv(configFileEnv))
}

func load(configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if configFile = strings.TrimSpace(configFile); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults регистрирует каждый ключ, иначе AutomaticEnv не увидит его при Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,

		"http.addr":             d.HTTP.Addr,
		"http.read_timeout":     d.HTTP.ReadTimeout,
		"http.write_timeout":    d.HTTP.WriteTimeout,
		"http.shutdown_timeout": d.HTTP.ShutdownTimeout,

		"metrics.addr":     d.Metrics.Addr,
		"grpc.health_addr": d.GRPC.HealthAddr,

		"storage.driver":         d.Storage.Driver,
		"storage.postgres_dsn":   d.Storage.PostgresDSN,
		"storage.auto_migrate":   d.Storage.AutoMigrate,
		"storage.lock_timeout":   d.Storage.LockTimeout,
		"storage.max_open_conns": d.Storage.MaxOpenConns,

		"auth.jwt_secret":     d.Auth.JWTSecret,
		"auth.issuer":         d.Auth.Issuer,
		"auth.access_ttl":     d.Auth.AccessTTL,
		"auth.refresh_ttl":    d.Auth.RefreshTTL,
		"auth.bcrypt_cost":    d.Auth.BcryptCost,
		"auth.admin_username": d.Auth.AdminUsername,
		"auth.admin_email":    d.Auth.AdminEmail,
		"auth.admin_password": d.Auth.AdminPassword,

		"ratelimit.login_capacity": d.RateLimit.LoginCapacity,
		"ratelimit.login_window":   d.RateLimit.LoginWindow,
		"ratelimit.redis_addr":     d.RateLimit.RedisAddr,
		"ratelimit.redis_password": d.RateLimit.RedisPassword,

		"kafka.brokers":        d.Kafka.Brokers,
		"kafka.client_id":      d.Kafka.ClientID,
		"kafka.compression":    d.Kafka.Compression,
		"kafka.order_topic":    d.Kafka.OrderTopic,
		"kafka.dlq_topic":      d.Kafka.DLQTopic,
		"kafka.consumer_group": d.Kafka.ConsumerGroup,
		"kafka.notifications":  d.Kafka.Notifications,

		"kafka.consumer_max_attempts": d.Kafka.ConsumerMaxAttempts,
		"kafka.consumer_retry_delay":  d.Kafka.ConsumerRetryDelay,

		"outbox.poll_interval":   d.Outbox.PollInterval,
		"outbox.batch_size":      d.Outbox.BatchSize,
		"outbox.max_attempts":    d.Outbox.MaxAttempts,
		"outbox.retry_delay":     d.Outbox.RetryDelay,
		"outbox.max_retry_delay": d.Outbox.MaxRetryDelay,

		"idempotency.ttl":                d.Idempotency.TTL,
		"idempotency.cleanup_interval":   d.Idempotency.CleanupInterval,
		"idempotency.cleanup_batch_size": d.Idempotency.CleanupBatchSize,

		"orders.retry_attempts":      d.Orders.RetryAttempts,
		"orders.retry_initial_delay": d.Orders.RetryInitialDelay,
		"orders.retry_max_delay":     d.Orders.RetryMaxDelay,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.Storage.Driver))
	}

	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret must not be empty"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth token ttl must be positive"))
	}
	if c.Auth.AdminEmail != "" && c.Auth.AdminPassword == "" {
		errs = append(errs, errors.New("auth.admin_password is required when auth.admin_email is set"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr must not be empty"))
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox.max_attempts must be positive"))
	}
	if c.Kafka.ConsumerMaxAttempts <= 0 {
		errs = append(errs, errors.New("kafka.consumer_max_attempts must be positive"))
	}
	if c.Outbox.RetryDelay > c.Outbox.MaxRetryDelay {
		errs = append(errs, errors.New("outbox.retry_delay must not exceed outbox.max_retry_delay"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// UsesDevSecret сообщает, что JWT подписываются секретом по умолчанию.
func (c Config) UsesDevSecret() bool {
	return c.Auth.JWTSecret == devJWTSecret
}

// KafkaEnabled сообщает, настроены ли брокеры Kafka.
func (c Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
