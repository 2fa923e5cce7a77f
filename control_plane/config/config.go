// Package config loads control plane configuration from defaults, an optional
// config.yaml and FORGECI_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/itskum47/forgeci/control_plane/logger"
)

// Config holds all configuration sections.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
	Database  DatabaseConfig       `mapstructure:"database"`
	Redis     RedisConfig          `mapstructure:"redis"`
	NATS      NATSConfig           `mapstructure:"nats"`
	Auth      AuthConfig           `mapstructure:"auth"`
	Agents    AgentsConfig         `mapstructure:"agents"`
	Console   ConsoleConfig        `mapstructure:"console"`
	Pipelines PipelinesConfig      `mapstructure:"pipelines"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Tracing   TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the persistence backend.
// Driver is one of memory, postgres, sqlite.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig configures the external event export. Empty URL means events are
// only written to the log.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type AgentsConfig struct {
	LostContactTimeout time.Duration `mapstructure:"lost_contact_timeout"`
	PingTimeout        time.Duration `mapstructure:"ping_timeout"`
	PingRate           float64       `mapstructure:"ping_rate"`
	PingBurst          int           `mapstructure:"ping_burst"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
}

type ConsoleConfig struct {
	Dir            string        `mapstructure:"dir"`
	ArtifactsDir   string        `mapstructure:"artifacts_dir"`
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type PipelinesConfig struct {
	ConfigFile string `mapstructure:"config_file"`
}

type SchedulerConfig struct {
	QueueThreshold int `mapstructure:"queue_threshold"`
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8153)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 50)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.client_id", "forgeci-server")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.subject_prefix", "forgeci")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("agents.lost_contact_timeout", 5*time.Minute)
	v.SetDefault("agents.ping_timeout", 5*time.Second)
	v.SetDefault("agents.ping_rate", 2.0)
	v.SetDefault("agents.ping_burst", 10)
	v.SetDefault("agents.monitor_interval", 30*time.Second)

	v.SetDefault("console.dir", "./data/console")
	v.SetDefault("console.artifacts_dir", "./data/artifacts")
	v.SetDefault("console.check_interval", time.Minute)
	v.SetDefault("console.default_timeout", 60*time.Minute)

	v.SetDefault("pipelines.config_file", "./pipelines.yaml")

	v.SetDefault("scheduler.queue_threshold", 10000)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "forgeci-server")
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from configPath (if set), the working
// directory and /etc/forgeci, layered under FORGECI_* environment variables.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FORGECI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/forgeci/")

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
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if cfg.Database.DSN == "" {
			errs = append(errs, fmt.Sprintf("database.dsn is required for driver %q", cfg.Database.Driver))
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, postgres, sqlite")
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis.enabled is true")
	}

	// A short secret is rejected; an empty one falls back to a dev secret in auth.
	if cfg.Auth.JWTSecret != "" && len(cfg.Auth.JWTSecret) < 32 {
		errs = append(errs, "auth.jwt_secret must be at least 32 characters long")
	}
	if cfg.Auth.TokenTTL <= 0 {
		errs = append(errs, "auth.token_ttl must be positive")
	}

	if cfg.Agents.LostContactTimeout <= 0 {
		errs = append(errs, "agents.lost_contact_timeout must be positive")
	}
	if cfg.Agents.PingRate <= 0 || cfg.Agents.PingBurst <= 0 {
		errs = append(errs, "agents.ping_rate and agents.ping_burst must be positive")
	}

	if cfg.Console.CheckInterval <= 0 {
		errs = append(errs, "console.check_interval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
