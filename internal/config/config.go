package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Directory DirectoryConfig
	JWT       JWTConfig
	Outbox    OutboxConfig
	Consumer  ConsumerConfig
	Identity  IdentityConfig
	SMTP      SMTPConfig
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	URL          string `mapstructure:"url" validate:"required"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// DirectoryConfig points at the external doctor/slot directory.
type DirectoryConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"required,url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	// LeaseTTL bounds how long a booking may hold a per-slot lease.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret" validate:"required"`
}

type OutboxConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	Retention    time.Duration `mapstructure:"retention"`
}

type ConsumerConfig struct {
	Group         string        `mapstructure:"group"`
	Name          string        `mapstructure:"name"`
	Prefetch      int64         `mapstructure:"prefetch"`
	MinIdle       time.Duration `mapstructure:"min_idle"`
	MaxDeliveries int64         `mapstructure:"max_deliveries"`
	// DedupWindow bounds how long processed message keys are remembered.
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// IdentityConfig points at the service owning user contact details.
type IdentityConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.request_timeout", 30*time.Second)
	viper.SetDefault("server.rate_limit", 100.0)
	viper.SetDefault("server.rate_burst", 50)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 1)

	viper.SetDefault("directory.timeout", 4*time.Second)
	viper.SetDefault("directory.max_retries", 2)
	viper.SetDefault("directory.lease_ttl", 15*time.Second)

	viper.SetDefault("outbox.batch_size", 100)
	viper.SetDefault("outbox.poll_interval", time.Second)
	viper.SetDefault("outbox.max_retries", 5)
	viper.SetDefault("outbox.retry_delay", 5*time.Second)
	viper.SetDefault("outbox.retention", 24*time.Hour)

	viper.SetDefault("consumer.group", "notifier")
	viper.SetDefault("consumer.name", "notifier-1")
	viper.SetDefault("consumer.prefetch", 10)
	viper.SetDefault("consumer.min_idle", 30*time.Second)
	viper.SetDefault("consumer.max_deliveries", 5)
	viper.SetDefault("consumer.dedup_window", time.Hour)

	viper.SetDefault("identity.timeout", 4*time.Second)

	viper.SetDefault("smtp.port", 587)
}
