package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
)

const agentVersion = "0.1.0"

// Config holds the agent configuration.
type Config struct {
	ServerURL           string               `mapstructure:"server_url"`
	WorkDir             string               `mapstructure:"work_dir"`
	IdentityDir         string               `mapstructure:"identity_dir"`
	Location            string               `mapstructure:"location"`
	Resources           []string             `mapstructure:"resources"`
	PingInterval        time.Duration        `mapstructure:"ping_interval"`
	WorkPollInterval    time.Duration        `mapstructure:"work_poll_interval"`
	IgnoredPollInterval time.Duration        `mapstructure:"ignored_poll_interval"`
	ConsoleFlush        time.Duration        `mapstructure:"console_flush_interval"`
	KillGrace           time.Duration        `mapstructure:"kill_grace"`
	Logging             logger.LoggingConfig `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("server_url", "http://localhost:8153")
	v.SetDefault("work_dir", "./work")
	v.SetDefault("identity_dir", filepath.Join(home, ".forgeci"))
	v.SetDefault("location", "")
	v.SetDefault("resources", []string{runtime.GOOS})
	v.SetDefault("ping_interval", 10*time.Second)
	v.SetDefault("work_poll_interval", 5*time.Second)
	v.SetDefault("ignored_poll_interval", 5*time.Second)
	v.SetDefault("console_flush_interval", 2*time.Second)
	v.SetDefault("kill_grace", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

// LoadConfig reads agent.yaml from configPath or the working directory,
// layered under FORGECI_AGENT_* environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FORGECI_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("agent")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	if cfg.PingInterval <= 0 || cfg.WorkPollInterval <= 0 || cfg.IgnoredPollInterval <= 0 {
		return nil, fmt.Errorf("poll intervals must be positive")
	}
	return &cfg, nil
}

// LoadIdentity returns this machine's identity. The UUID is generated once
// and kept in dir/uuid so restarts present the same agent.
func LoadIdentity(dir, location string) (domain.AgentIdentity, error) {
	id, err := getOrCreateUUID(dir)
	if err != nil {
		return domain.AgentIdentity{}, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return domain.AgentIdentity{
		UUID:      id,
		Hostname:  hostname,
		IPAddress: localIP(),
		Location:  location,
	}, nil
}

func getOrCreateUUID(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create identity directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "uuid")
	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to save agent uuid to %s: %w", path, err)
	}
	return id, nil
}
