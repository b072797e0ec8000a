package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8990, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.AI.DefaultProvider)
	assert.Equal(t, 30, cfg.Orchestrator.DedupTTLMinutes)
	assert.Equal(t, 300, cfg.Orchestrator.WatchdogSeconds)
	assert.Equal(t, 3, cfg.Orchestrator.MaxWorkers)
	assert.Equal(t, 1<<20, cfg.GitLab.MaxLogBytes)
	assert.Equal(t, "INBOX", cfg.Mailbox.Folder)
	assert.False(t, cfg.Mailbox.Enabled)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipewatch.toml")
	content := `
[server]
port = 9000

[gitlab]
token = "glpat-test"

[orchestrator]
fetch_full_pipeline = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "glpat-test", cfg.GitLab.Token)
	assert.True(t, cfg.Orchestrator.FetchFullPipeline)
	// Defaults still apply for unset keys.
	assert.Equal(t, 30, cfg.GitLab.TimeoutSeconds)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Database.URL = "postgres://localhost/pipewatch"
		cfg.GitLab.Token = "glpat-test"
		cfg.AI.DefaultProvider = "openai"
		cfg.AI.Providers = map[string]map[string]interface{}{
			"openai": {"api_key": "sk-test"},
		}
		return cfg
	}

	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, Validate(valid()))
	})

	t.Run("missing database url", func(t *testing.T) {
		cfg := valid()
		cfg.Database.URL = ""
		assert.Error(t, Validate(cfg))
	})

	t.Run("missing gitlab token", func(t *testing.T) {
		cfg := valid()
		cfg.GitLab.Token = ""
		assert.Error(t, Validate(cfg))
	})

	t.Run("unknown default provider", func(t *testing.T) {
		cfg := valid()
		cfg.AI.DefaultProvider = "claude"
		assert.Error(t, Validate(cfg))
	})

	t.Run("fallback provider must be configured", func(t *testing.T) {
		cfg := valid()
		cfg.AI.FallbackProvider = "gemini"
		assert.Error(t, Validate(cfg))

		cfg.AI.Providers["gemini"] = map[string]interface{}{"api_key": "g-test"}
		assert.NoError(t, Validate(cfg))
	})

	t.Run("mailbox requires server and sender", func(t *testing.T) {
		cfg := valid()
		cfg.Mailbox.Enabled = true
		assert.Error(t, Validate(cfg))

		cfg.Mailbox.Server = "imap.example.com"
		cfg.Mailbox.User = "ci@example.com"
		cfg.Mailbox.SenderAddress = "gitlab@example.com"
		assert.NoError(t, Validate(cfg))
	})
}

func TestConfigDurations(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "30m0s", cfg.DedupTTL().String())
	assert.Equal(t, "5m0s", cfg.WatchdogDeadline().String())
	assert.Equal(t, "30s", cfg.PollInterval().String())
}
