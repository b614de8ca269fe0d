package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator performs the softer, field-level checks reported by
// `finagent config check`. Config.Validate covers what startup requires.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateEndpoint checks the tool backend URL is absolute http(s).
func (v *Validator) ValidateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid mcp.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid mcp.url scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid mcp.url: missing host")
	}
	return nil
}

// ValidateTemperature checks temp against the range the provider accepts:
// 0-2 for openai, 0-1 otherwise.
func (v *Validator) ValidateTemperature(temp float64, provider string) error {
	upper := 1.0
	if provider == "openai" {
		upper = 2
	}
	if temp < 0 || temp > upper {
		return fmt.Errorf("temperature must be between 0 and %g for %s, got %g", upper, provider, temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig collects every field-level problem instead of stopping at the first.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	for i, profile := range cfg.AI.Profiles {
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}

	if err := v.ValidateEndpoint(cfg.MCP.URL); err != nil {
		errs = append(errs, err)
	}
	if cfg.MCP.Timeout < 0 {
		errs = append(errs, fmt.Errorf("mcp.timeout_seconds must be >= 0"))
	}

	for _, profile := range cfg.AI.Profiles {
		if err := v.ValidateTemperature(cfg.Agent.Temperature, profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("agent: AI profile %s: %w", profile.ID, err))
		}
	}
	if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}
	if cfg.Agent.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("agent.max_retries must be >= 0"))
	}
	if cfg.Agent.ToolTimeout < 0 {
		errs = append(errs, fmt.Errorf("agent.tool_timeout_seconds must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if cfg.Gateway.Enabled && cfg.Gateway.SharedSecret == "" && cfg.Gateway.Host != "127.0.0.1" && cfg.Gateway.Host != "localhost" {
		errs = append(errs, fmt.Errorf("gateway listens on %s without a shared_secret", cfg.Gateway.Host))
	}

	return errs
}
