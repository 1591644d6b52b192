package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/zedcore/internal/config"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	_ = os.Unsetenv("ZED_HOST")
	_ = os.Unsetenv("ZED_PORT")
	_ = os.Unsetenv(config.ConfigFileEnv)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "Default host must be 127.0.0.1 for security")
	assert.Equal(t, 6464, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, filepath.Join("data", "zed.db"), cfg.SQLiteDSN())
	assert.Equal(t, "hash", cfg.Embedding.Backend)
	assert.Equal(t, 8000, cfg.Context.MaxContextTokens)
	assert.Equal(t, 1500, cfg.Context.ReservedForResponse)
	assert.Equal(t, 600, cfg.Context.SwitchboardBudget)
	assert.Equal(t, 1000, cfg.Context.MinHistoryTokens)
	assert.InDelta(t, 0.15, cfg.Context.MemoryFraction, 1e-9)
	assert.Equal(t, 30*time.Minute, cfg.Branches.InactivityThreshold)
	assert.True(t, cfg.Branches.IncludeSwitchboard)
	assert.Equal(t, "Zed", cfg.Agent.Name)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ZED_HOST", "0.0.0.0")
	t.Setenv("ZED_PORT", "7000")
	t.Setenv("ZED_MEMORY_FRACTION", "0.2")
	t.Setenv("ZED_INACTIVITY_THRESHOLD", "45m")
	t.Setenv("ZED_INCLUDE_SWITCHBOARD", "no")
	t.Setenv("ZED_ALLOWED_ORIGINS", "localhost:3000, example.com ,")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7000", cfg.Addr())
	assert.InDelta(t, 0.2, cfg.Context.MemoryFraction, 1e-9)
	assert.Equal(t, 45*time.Minute, cfg.Branches.InactivityThreshold)
	assert.False(t, cfg.Branches.IncludeSwitchboard)
	assert.Equal(t, []string{"localhost:3000", "example.com"}, cfg.Server.AllowedOrigins)
}

func TestLoadConfig_UnparseableEnvKeepsDefault(t *testing.T) {
	t.Setenv("ZED_PORT", "not-a-port")
	t.Setenv("ZED_SWEEP_INTERVAL", "soon")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 6464, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Branches.SweepInterval)
}

func TestLoadConfig_FileOverlay(t *testing.T) {
	path := writeFile(t, `
server:
  port: 7100
storage:
  data_path: /var/lib/zed
embedding:
  backend: ollama
  model: nomic-embed-text
context:
  max_context_tokens: 4000
  reserved_for_response: 1000
branches:
  inactivity_threshold: 10m
agent:
  name: Zee
`)
	t.Setenv(config.ConfigFileEnv, path)
	t.Setenv("ZED_AGENT_NAME", "Zed Prime")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, filepath.Join("/var/lib/zed", "zed.db"), cfg.SQLiteDSN())
	assert.Equal(t, "ollama", cfg.Embedding.Backend)
	assert.Equal(t, 4000, cfg.Context.MaxContextTokens)
	assert.Equal(t, 1000, cfg.Context.ReservedForResponse)
	assert.Equal(t, 600, cfg.Context.SwitchboardBudget, "unset file keys keep defaults")
	assert.Equal(t, 10*time.Minute, cfg.Branches.InactivityThreshold)
	assert.Equal(t, "Zed Prime", cfg.Agent.Name, "environment wins over the file")
}

func TestLoadConfig_FileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(writeFile(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"postgres without dsn", func(c *config.Config) { c.Storage.Engine = "postgres" }},
		{"unknown engine", func(c *config.Config) { c.Storage.Engine = "mongo" }},
		{"openai without key", func(c *config.Config) { c.Embedding.Backend = "openai" }},
		{"reserve exceeds max", func(c *config.Config) { c.Context.ReservedForResponse = 9000 }},
		{"memory fraction above one", func(c *config.Config) { c.Context.MemoryFraction = 1.5 }},
		{"unknown counter", func(c *config.Config) { c.Context.TokenCounter = "words" }},
		{"zero threshold", func(c *config.Config) { c.Branches.InactivityThreshold = 0 }},
		{"bad log level", func(c *config.Config) { c.Log.Level = "loud" }},
		{"bad port", func(c *config.Config) { c.Server.Port = 70000 }},
	}

	require.NoError(t, config.Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_PostgresWithDSN(t *testing.T) {
	t.Setenv("ZED_STORAGE_ENGINE", "postgres")
	t.Setenv("ZED_POSTGRES_DSN", "postgres://zed@localhost/zed?sslmode=disable")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Engine)
}
