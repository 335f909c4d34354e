// Package config loads broker configuration from file and environment with
// sane defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/sumandas0/contextd/internal/observability"
	"github.com/sumandas0/contextd/internal/resilience"
)

type Config struct {
	Server      ServerConfig                       `mapstructure:"server"`
	Store       StoreConfig                        `mapstructure:"store"`
	Bus         BusConfig                          `mapstructure:"bus"`
	Logging     observability.LoggingConfig        `mapstructure:"logging"`
	Metrics     observability.MetricsConfig        `mapstructure:"metrics"`
	Tracing     observability.TracingConfig        `mapstructure:"tracing"`
	Resilience  resilience.CircuitBreakerConfig    `mapstructure:"resilience"`
	RateLimit   RateLimitConfig                    `mapstructure:"rate_limit"`
	Environment string                             `mapstructure:"environment"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	// Type selects the backing store: "postgres" or "memory".
	Type     string         `mapstructure:"type" validate:"oneof=postgres memory"`
	Database DatabaseConfig `mapstructure:"database"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

type BusConfig struct {
	BufferSize int `mapstructure:"buffer_size" validate:"gte=0"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests" validate:"gt=0"`
	Period   time.Duration `mapstructure:"period"`
}

func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("contextd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/contextd/")
		viper.AddConfigPath("$HOME/.contextd/")
	}

	viper.SetEnvPrefix("CONTEXTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

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
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "30s")

	viper.SetDefault("store.type", "postgres")
	viper.SetDefault("store.database.host", "localhost")
	viper.SetDefault("store.database.port", 5432)
	viper.SetDefault("store.database.database", "contextd")
	viper.SetDefault("store.database.username", "postgres")
	viper.SetDefault("store.database.password", "postgres")
	viper.SetDefault("store.database.ssl_mode", "disable")
	viper.SetDefault("store.database.migrate_on_start", true)

	viper.SetDefault("bus.buffer_size", 1024)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.namespace", "contextd")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.sample_rate", 1.0)

	viper.SetDefault("resilience.enabled", true)
	viper.SetDefault("resilience.max_requests", 3)
	viper.SetDefault("resilience.interval", "1m")
	viper.SetDefault("resilience.timeout", "30s")
	viper.SetDefault("resilience.failure_threshold", 5)

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests", 100)
	viper.SetDefault("rate_limit.period", "1m")

	viper.SetDefault("environment", "development")
}

func (c *Config) GetDatabaseURL() string {
	db := c.Store.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ObservabilityConfig regroups the observability sections.
func (c *Config) ObservabilityConfig() observability.Config {
	return observability.Config{
		Logging: c.Logging,
		Metrics: c.Metrics,
		Tracing: c.Tracing,
	}
}
