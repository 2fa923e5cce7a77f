package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8153, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Agents.LostContactTimeout)
	assert.Equal(t, "forgeci", cfg.NATS.SubjectPrefix)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
server:
  port: 9000
database:
  driver: sqlite
  dsn: /tmp/forgeci.db
agents:
  lost_contact_timeout: 90s
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("FORGECI_LOGGING_LEVEL", "debug")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 90*time.Second, cfg.Agents.LostContactTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Port: 0},
		Database: DatabaseConfig{Driver: "postgres"},
		Auth:     AuthConfig{JWTSecret: "short", TokenTTL: time.Hour},
		Agents:   AgentsConfig{LostContactTimeout: time.Minute, PingRate: 1, PingBurst: 1},
		Console:  ConsoleConfig{CheckInterval: time.Minute},
	}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "database.dsn")
	assert.Contains(t, err.Error(), "auth.jwt_secret")
}
