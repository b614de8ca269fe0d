package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{
		{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-test123", Priority: 1},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "claude-sonnet-4", cfg.Agent.Model)
	assert.Equal(t, 1, cfg.Agent.MaxFollowups)
	assert.False(t, cfg.Agent.ParallelTools)
	assert.False(t, cfg.Agent.PersistPerTurn)
	assert.Equal(t, "No response generated.", cfg.Agent.FallbackText)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.False(t, cfg.Gateway.Enabled)
	assert.NotEmpty(t, cfg.MCP.URL)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"missing profiles", func(c *Config) { c.AI.Profiles = nil }, "no AI credentials"},
		{"missing profile id", func(c *Config) { c.AI.Profiles[0].ID = "" }, "ID is required"},
		{"missing api key", func(c *Config) { c.AI.Profiles[0].APIKey = "" }, "api_key is required"},
		{"gemini not supported", func(c *Config) { c.AI.Profiles[0].Provider = "gemini" }, "invalid provider"},
		{"missing mcp url", func(c *Config) { c.MCP.URL = "" }, "mcp.url"},
		{"zero followups", func(c *Config) { c.Agent.MaxFollowups = 0 }, "max_followups"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "firestore" }, "invalid storage backend"},
		{"redis without url", func(c *Config) { c.Storage.Backend = "redis" }, "redis_url"},
		{"gateway bad port", func(c *Config) { c.Gateway.Enabled = true; c.Gateway.Port = 0 }, "gateway.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.message)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	s := validConfig().String()
	assert.Contains(t, s, `"max_followups": 1`)
	assert.Contains(t, s, `"backend": "file"`)
}
