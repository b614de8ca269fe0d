package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file is missing", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, "file", cfg.Storage.Backend)
		assert.Equal(t, filepath.Join(filepath.Dir(configPath), "data"), cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "finagent.db"), cfg.Storage.SQLitePath)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "finagent.json")
		content := `{
			"ai": {"profiles": [{"id": "main", "provider": "openai", "api_key": "sk-test", "priority": 1}]},
			"agent": {"max_followups": 3, "parallel_tools": true},
			"mcp": {"url": "https://tools.example.com/mcp"},
			"storage": {"backend": "sqlite"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

		cfg, err := Load(configPath)
		require.NoError(t, err)

		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "openai", cfg.AI.Profiles[0].Provider)
		assert.Equal(t, 3, cfg.Agent.MaxFollowups)
		assert.True(t, cfg.Agent.ParallelTools)
		assert.Equal(t, "https://tools.example.com/mcp", cfg.MCP.URL)
		assert.Equal(t, "sqlite", cfg.Storage.Backend)
		assert.Equal(t, "No response generated.", cfg.Agent.FallbackText)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("FINAGENT_MCP_URL", "http://env-host:9000/mcp")
		t.Setenv("FINAGENT_AGENT_MAX_FOLLOWUPS", "2")

		cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
		require.NoError(t, err)

		assert.Equal(t, "http://env-host:9000/mcp", cfg.MCP.URL)
		assert.Equal(t, 2, cfg.Agent.MaxFollowups)
	})

	t.Run("legacy session id variable", func(t *testing.T) {
		t.Setenv("MCP_SESSION_ID", "legacy-session")

		cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
		require.NoError(t, err)
		assert.Equal(t, "legacy-session", cfg.MCP.SessionID)
	})

	t.Run("invalid json", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "finagent.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0600))

		_, err := Load(configPath)
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "finagent.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{{ID: "main", Provider: "anthropic", APIKey: "sk-ant-x", Priority: 1}}
	cfg.Agent.PersistPerTurn = true
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	require.Len(t, loaded.AI.Profiles, 1)
	assert.Equal(t, "main", loaded.AI.Profiles[0].ID)
	assert.True(t, loaded.Agent.PersistPerTurn)
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "/tmp/x.json", NewLoader("/tmp/x.json").GetConfigPath())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".finagent", "finagent.json"), NewLoader("").GetConfigPath())
}
