package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/pkg/apperr"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// MaxOutputSize caps the text a single tool call may feed back to the model.
const MaxOutputSize = 10 * 1024

const defaultTimeout = 30 * time.Second

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition describes a tool offered to the model. Remote tools carry
// their backend schema in InputSchema and have no Handler.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext carries per-call runtime information to handlers.
type ExecutionContext struct {
	UserID string
	// SessionKey is the tool backend session the call belongs to.
	SessionKey string
	Timeout    time.Duration
	// ContextUpdates collects update_context writes for the caller to apply.
	// When nil the tool writes to the store directly.
	ContextUpdates *ContextBatch
}

// ToolResult is the outcome of one tool call. Output is the text fed back to
// the model; Error is set when Success is false.
type ToolResult struct {
	Tool      string                 `json:"tool"`
	Success   bool                   `json:"success"`
	Output    string                 `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Text is what the model sees for this result.
func (r ToolResult) Text() string {
	if r.Success {
		return r.Output
	}
	if r.Output != "" && r.Output != r.Error {
		return fmt.Sprintf("Error: %s\n%s", r.Error, r.Output)
	}
	return "Error: " + r.Error
}

// Err returns the failure as an error matching apperr.ErrToolExecution, or
// nil for a successful call.
func (r ToolResult) Err() error {
	if r.Success {
		return nil
	}
	return apperr.ToolFailure(r.Tool, r.Error)
}

// ToolExecutor manages and executes local tools
type ToolExecutor struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// New creates a new ToolExecutor
func New() *ToolExecutor {
	return &ToolExecutor{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// RegisterTool registers a new tool. Registering an existing name fails.
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// Has reports whether name is a registered local tool.
func (te *ToolExecutor) Has(name string) bool {
	return te.GetTool(name) != nil
}

// Definitions returns the registered tools sorted by name.
func (te *ToolExecutor) Definitions() []ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(te.tools))
	for _, def := range te.tools {
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a local tool. It never returns an error: every failure,
// including a timeout or an unknown tool, is reported in the result.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	start := time.Now()
	result := te.execute(ctx, toolName, params, execCtx)
	result.Tool = toolName
	if result.Metadata == nil {
		result.Metadata = map[string]interface{}{}
	}
	result.Metadata["duration_ms"] = time.Since(start).Milliseconds()

	observability.RecordToolExecution("local", toolName, time.Since(start), result.Success)
	return result
}

func (te *ToolExecutor) execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	logger := log.Logger
	if execCtx != nil && execCtx.SessionKey != "" {
		logger = logger.With().Str("backend_session", execCtx.SessionKey).Logger()
	}

	if tool == nil {
		logger.Error().Str("tool", toolName).Msg("Tool not found")
		return ToolResult{Error: fmt.Sprintf("tool not found: %s", toolName)}
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validateParameters(schema, params); err != nil {
		logger.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return ToolResult{
			Error:    fmt.Sprintf("parameter validation failed: %v", err),
			Metadata: map[string]interface{}{"validation": true},
		}
	}

	timeout := defaultTimeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		value, err := tool.Handler(timeoutCtx, params)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			logger.Warn().Str("tool", toolName).Err(out.err).Msg("Tool execution failed")
			res := ToolResult{Error: out.err.Error()}
			if errors.Is(out.err, apperr.ErrValidation) {
				res.Metadata = map[string]interface{}{"validation": true}
			}
			return res
		}
		text, truncated := TruncateOutput(stringify(out.value))
		return ToolResult{Success: true, Output: text, Truncated: truncated}

	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ToolResult{Error: fmt.Sprintf("tool execution cancelled: %v", ctx.Err())}
		}
		logger.Error().Str("tool", toolName).Dur("timeout", timeout).Msg("Tool execution timeout")
		return ToolResult{Error: fmt.Sprintf("tool execution timeout after %v", timeout)}
	}
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validParamType(param.Type) {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}

	return nil
}

func validParamType(t string) bool {
	switch t {
	case "string", "integer", "number", "boolean", "object", "array":
		return true
	}
	return false
}

// JSONSchema builds the object schema for a parameter list.
func JSONSchema(params []ToolParameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	schemaMap := JSONSchema(def.Parameters)
	schemaMap["additionalProperties"] = false
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}

	return nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// TruncateOutput cuts s to MaxOutputSize bytes on a rune boundary.
func TruncateOutput(s string) (string, bool) {
	if len(s) <= MaxOutputSize {
		return s, false
	}

	cut := MaxOutputSize
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	log.Warn().
		Int("original", len(s)).
		Int("truncated", cut).
		Msg("Output truncated")

	return s[:cut] + "\n... [output truncated]", true
}
