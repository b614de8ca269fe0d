package agent

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/finagent/pkg/toolexecutor"
	"github.com/openai/openai-go"
)

// Message roles understood by providers. RoleTool carries tool results back
// to the model as plain text.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// State is the position of a session within a turn.
type State string

const (
	StateAwaitingInput    State = "awaiting_input"
	StateModelThinking    State = "model_thinking"
	StateDispatchingTools State = "dispatching_tools"
	StateAwaitingFollowup State = "awaiting_followup"
	StateDone             State = "done"
)

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// AuthProfile represents credentials for one model provider
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic", "openai"
	APIKey        string `json:"api_key"`
	Model         string `json:"model,omitempty"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// AgentMessage represents a message in the conversation
type AgentMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec is a tool as offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Remote      bool
}

// TurnResult is the outcome of one resolved turn.
type TurnResult struct {
	Answer    string                    `json:"answer"`
	ToolCalls []ToolCall                `json:"tool_calls,omitempty"`
	Results   []toolexecutor.ToolResult `json:"results,omitempty"`
	Skipped   []string                  `json:"skipped,omitempty"`
	Followups int                       `json:"followups"`
	Fallback  bool                      `json:"fallback,omitempty"`
	Usage     TokenUsage                `json:"usage"`
}

// Settings tunes turn resolution.
type Settings struct {
	Model string
	// Temperature is sent to the provider when set, zero included.
	Temperature  *float64
	MaxTokens    int
	MaxRetries   int
	MaxFollowups int
	// ParallelTools dispatches the calls of one response concurrently.
	ParallelTools bool
	// PersistPerTurn appends every committed message to the conversation
	// store instead of writing the whole log on Close.
	PersistPerTurn bool
	FallbackText   string
	ToolTimeout    int // seconds
	// RetryBaseDelay is the first backoff delay in milliseconds.
	RetryBaseDelay int
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// temperatureRange is the sampling temperature a provider accepts.
func temperatureRange(provider string) (float64, float64) {
	if provider == "openai" {
		return 0, 2
	}
	return 0, 1
}

// DefaultFallbackText is the answer when the model produces no text.
const DefaultFallbackText = "No response generated."

// DefaultSettings returns default turn settings
func DefaultSettings() Settings {
	return Settings{
		Model:          "claude-sonnet-4",
		Temperature:    Float(0.2),
		MaxTokens:      4096,
		MaxRetries:     3,
		MaxFollowups:   1,
		FallbackText:   DefaultFallbackText,
		ToolTimeout:    30,
		RetryBaseDelay: 1000,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Model == "" {
		s.Model = d.Model
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = d.MaxTokens
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.MaxFollowups <= 0 {
		s.MaxFollowups = d.MaxFollowups
	}
	if s.FallbackText == "" {
		s.FallbackText = d.FallbackText
	}
	if s.ToolTimeout <= 0 {
		s.ToolTimeout = d.ToolTimeout
	}
	if s.RetryBaseDelay <= 0 {
		s.RetryBaseDelay = d.RetryBaseDelay
	}
	return s
}

// IsRetryableError checks if a model call error should be retried
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return retryableStatus(anthropicErr.StatusCode)
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return retryableStatus(openaiErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "429", "rate limit", "overloaded", "500", "502", "503", "504"} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == 408 || code == 409 || code == 429 || code >= 500
}
