// Package config provides configuration management for TaskHive.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	MCP      MCPConfig      `mapstructure:"mcp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" (default) uses an embedded file; "postgres" connects via pgx.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds the shared-secret authentication configuration.
// When Key is empty, a secret is generated and persisted under DataDir
// on first run.
type AuthConfig struct {
	Key     string `mapstructure:"key"`
	DataDir string `mapstructure:"dataDir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// BrokerConfig holds scheduler and long-poll tuning.
type BrokerConfig struct {
	TickMs             int `mapstructure:"tickMs"`             // scheduler cycle period
	AckTimeoutSec      int `mapstructure:"ackTimeoutSec"`      // pending-ack expiry
	ProgressTimeoutMin int `mapstructure:"progressTimeoutMin"` // stuck-task threshold
	MaxPollTimeoutSec  int `mapstructure:"maxPollTimeoutSec"`  // wait_for_task cap
	EventRetention     int `mapstructure:"eventRetention"`     // event rows kept for late joiners
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Tick returns the scheduler cycle period.
func (b *BrokerConfig) Tick() time.Duration {
	return time.Duration(b.TickMs) * time.Millisecond
}

// AckTimeout returns the pending-ack expiry threshold.
func (b *BrokerConfig) AckTimeout() time.Duration {
	return time.Duration(b.AckTimeoutSec) * time.Second
}

// ProgressTimeout returns the stuck-task threshold.
func (b *BrokerConfig) ProgressTimeout() time.Duration {
	return time.Duration(b.ProgressTimeoutMin) * time.Minute
}

// MaxPollTimeout returns the wait_for_task cap.
func (b *BrokerConfig) MaxPollTimeout() time.Duration {
	return time.Duration(b.MaxPollTimeoutSec) * time.Second
}

// StaleWaitTimeout returns the threshold after which a waiting agent with no
// heartbeat is swept from the pool (2x the poll cap).
func (b *BrokerConfig) StaleWaitTimeout() time.Duration {
	return 2 * b.MaxPollTimeout()
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKHIVE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	// Long polls ride the HTTP/WS server; keep the write window above the poll cap.
	v.SetDefault("server.writeTimeout", 300)

	// Database defaults - embedded sqlite
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./taskhive.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskhive")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "taskhive")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskhive-broker")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.key", "")
	v.SetDefault("auth.dataDir", "./.taskhive")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Broker defaults
	v.SetDefault("broker.tickMs", 250)
	v.SetDefault("broker.ackTimeoutSec", 30)
	v.SetDefault("broker.progressTimeoutMin", 5)
	v.SetDefault("broker.maxPollTimeoutSec", 290)
	v.SetDefault("broker.eventRetention", 10000)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKHIVE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/taskhive/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not convert camelCase config keys to SNAKE_CASE,
	// so bind the ones whose env naming differs explicitly.
	_ = v.BindEnv("auth.key", "TASKHIVE_AUTH_KEY")
	_ = v.BindEnv("database.driver", "TASKHIVE_DB_DRIVER")
	_ = v.BindEnv("database.path", "TASKHIVE_DB_PATH")
	_ = v.BindEnv("broker.ackTimeoutSec", "TASKHIVE_BROKER_ACK_TIMEOUT_SEC")
	_ = v.BindEnv("broker.tickMs", "TASKHIVE_BROKER_TICK_MS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskhive/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Broker.TickMs <= 0 {
		errs = append(errs, "broker.tickMs must be positive")
	}
	if cfg.Broker.AckTimeoutSec <= 0 {
		errs = append(errs, "broker.ackTimeoutSec must be positive")
	}
	if cfg.Broker.MaxPollTimeoutSec <= 0 {
		errs = append(errs, "broker.maxPollTimeoutSec must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
