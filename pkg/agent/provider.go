package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []AgentMessage
	Tools        []ToolSpec
	Temperature  *float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM. Content is the
// concatenation of every text part, in order.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory creates the SDK-backed providers.
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// messageText renders a conversation message as the plain text sent to a
// provider. Earlier tool calls are described inline; their results follow
// in the next tool message.
func messageText(msg AgentMessage) string {
	if msg.Role != RoleAssistant || len(msg.ToolCalls) == 0 {
		return msg.Content
	}

	var b strings.Builder
	if strings.TrimSpace(msg.Content) != "" {
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	for i, call := range msg.ToolCalls {
		if i > 0 {
			b.WriteByte('\n')
		}
		args, err := json.Marshal(call.Arguments)
		if err != nil || call.Arguments == nil {
			args = []byte("{}")
		}
		fmt.Fprintf(&b, "[called `%s` with %s]", call.Name, args)
	}
	return b.String()
}

// schemaParts splits an object schema into its properties and required list.
func schemaParts(schema map[string]interface{}) (map[string]interface{}, []string) {
	properties, _ := schema["properties"].(map[string]interface{})
	if properties == nil {
		properties = map[string]interface{}{}
	}

	var required []string
	switch v := schema["required"].(type) {
	case []string:
		required = v
	case []interface{}:
		for _, r := range v {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	return properties, required
}

func parseArguments(raw string) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}
