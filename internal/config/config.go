package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the finagent configuration
type Config struct {
	AI      AIConfig      `json:"ai" mapstructure:"ai"`
	Agent   AgentConfig   `json:"agent" mapstructure:"agent"`
	MCP     MCPConfig     `json:"mcp" mapstructure:"mcp"`
	Storage StorageConfig `json:"storage" mapstructure:"storage"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory for conversation and context files
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AIConfig holds model provider credentials
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile is one set of provider credentials. Lower priority is tried first.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model,omitempty" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// AgentConfig controls turn resolution
type AgentConfig struct {
	Model            string  `json:"model" mapstructure:"model"`
	Temperature      float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens        int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries       int     `json:"max_retries" mapstructure:"max_retries"`
	InstructionsFile string  `json:"instructions_file" mapstructure:"instructions_file"`
	MaxFollowups     int     `json:"max_followups" mapstructure:"max_followups"`
	ParallelTools    bool    `json:"parallel_tools" mapstructure:"parallel_tools"`
	PersistPerTurn   bool    `json:"persist_per_turn" mapstructure:"persist_per_turn"`
	FallbackText     string  `json:"fallback_text" mapstructure:"fallback_text"`
	ToolTimeout      int     `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
}

// MCPConfig points at the remote tool backend
type MCPConfig struct {
	URL       string `json:"url" mapstructure:"url"`
	SessionID string `json:"session_id" mapstructure:"session_id"`
	Timeout   int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Handshake bool   `json:"handshake" mapstructure:"handshake"`
}

// StorageConfig selects the conversation and context backend
type StorageConfig struct {
	Backend    string `json:"backend" mapstructure:"backend"` // file, sqlite, redis
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path"`
	RedisURL   string `json:"redis_url" mapstructure:"redis_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// GatewayConfig holds websocket gateway configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// TracingConfig controls span export
type TracingConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	Insecure     bool    `json:"insecure" mapstructure:"insecure"`
	SampleRatio  float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Agent: AgentConfig{
			Model:        "claude-sonnet-4",
			Temperature:  0.2,
			MaxTokens:    4096,
			MaxRetries:   3,
			MaxFollowups: 1,
			FallbackText: "No response generated.",
			ToolTimeout:  30,
		},
		MCP: MCPConfig{
			URL:     "http://localhost:8080/mcp/stream",
			Timeout: 60,
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port: 8090,
			Host: "127.0.0.1",
		},
		Tracing: TracingConfig{
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the fields every command depends on.
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		switch profile.Provider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.MCP.URL == "" {
		return fmt.Errorf("mcp.url is required")
	}
	if c.Agent.MaxFollowups < 1 {
		return fmt.Errorf("agent.max_followups must be >= 1, got %d", c.Agent.MaxFollowups)
	}

	switch c.Storage.Backend {
	case "file", "sqlite":
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid storage backend %q (must be: file, sqlite, redis)", c.Storage.Backend)
	}

	if c.Gateway.Enabled && (c.Gateway.Port <= 0 || c.Gateway.Port > 65535) {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}

	return nil
}
