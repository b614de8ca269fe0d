package toolexecutor

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/harun/finagent/pkg/apperr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo the input",
		Parameters: []ToolParameter{
			{Name: "input", Type: "string", Description: "Input parameter", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["input"], nil
		},
	}
}

func TestToolExecutor_RegisterTool(t *testing.T) {
	te := New()

	require.NoError(t, te.RegisterTool(echoTool()))

	tool := te.GetTool("echo")
	require.NotNil(t, tool)
	assert.Equal(t, "echo", tool.Name)
	assert.True(t, te.Has("echo"))
	assert.False(t, te.Has("missing"))

	err := te.RegisterTool(echoTool())
	assert.Error(t, err, "duplicate names are rejected")
}

func TestToolExecutor_RegisterTool_InvalidDefinition(t *testing.T) {
	te := New()
	noop := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{name: "empty name", def: ToolDefinition{Description: "Test", Handler: noop}},
		{name: "empty description", def: ToolDefinition{Name: "test", Handler: noop}},
		{name: "nil handler", def: ToolDefinition{Name: "test", Description: "Test"}},
		{
			name: "bad parameter type",
			def: ToolDefinition{
				Name:        "test",
				Description: "Test",
				Handler:     noop,
				Parameters:  []ToolParameter{{Name: "x", Type: "date", Description: "x"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, te.RegisterTool(tt.def))
		})
	}
}

func TestToolExecutor_Execute_Success(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	result := te.Execute(context.Background(), "echo", map[string]interface{}{"input": "hello"}, nil)

	assert.True(t, result.Success)
	assert.Equal(t, "echo", result.Tool)
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, "hello", result.Text())
	assert.Contains(t, result.Metadata, "duration_ms")
}

func TestToolExecutor_Execute_StructuredOutput(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "quote",
		Description: "Quote",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"price": 10}, nil
		},
	}))

	result := te.Execute(context.Background(), "quote", nil, nil)
	require.True(t, result.Success)
	assert.JSONEq(t, `{"price":10}`, result.Output)
}

func TestToolExecutor_Execute_ToolNotFound(t *testing.T) {
	te := New()

	result := te.Execute(context.Background(), "nonexistent", nil, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "tool not found")
}

func TestToolExecutor_Execute_ValidationFailure(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{name: "missing required", params: map[string]interface{}{}},
		{name: "wrong type", params: map[string]interface{}{"input": 42}},
		{name: "unknown parameter", params: map[string]interface{}{"input": "a", "extra": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := te.Execute(context.Background(), "echo", tt.params, nil)
			assert.False(t, result.Success)
			assert.Contains(t, result.Error, "parameter validation failed")
			assert.Equal(t, true, result.Metadata["validation"])
		})
	}
}

func TestToolExecutor_Execute_HandlerError(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "failing",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, &apperr.ValidationError{Section: "profile", Reason: "must be an object"}
		},
	}))

	result := te.Execute(context.Background(), "failing", nil, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "profile")
	assert.Equal(t, true, result.Metadata["validation"])
	assert.True(t, strings.HasPrefix(result.Text(), "Error: "))
}

func TestToolExecutor_Execute_Panic(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "panics",
		Description: "Panics",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			panic("boom")
		},
	}))

	result := te.Execute(context.Background(), "panics", nil, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "boom")
}

func TestToolExecutor_Execute_Timeout(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "slow",
		Description: "Slow tool",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	result := te.Execute(context.Background(), "slow", nil, &ExecutionContext{Timeout: 20 * time.Millisecond})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timeout")
}

func TestToolExecutor_Execute_Cancelled(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "slow",
		Description: "Slow tool",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := te.Execute(ctx, "slow", nil, nil)
	assert.False(t, result.Success)
}

func TestToolExecutor_Execute_PassesExecutionContext(t *testing.T) {
	te := New()
	var seen string
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "whoami_local",
		Description: "Reports the user",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			seen = userFromContext(ctx)
			return seen, nil
		},
	}))

	result := te.Execute(context.Background(), "whoami_local", nil, &ExecutionContext{UserID: "6281234"})
	require.True(t, result.Success)
	assert.Equal(t, "6281234", seen)
}

func TestToolExecutor_Execute_LogsBackendSession(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	te := New()
	result := te.Execute(context.Background(), "missing", nil, &ExecutionContext{SessionKey: "sess-42"})
	require.False(t, result.Success)
	assert.Contains(t, buf.String(), `"backend_session":"sess-42"`)
}

func TestToolExecutor_Definitions_Sorted(t *testing.T) {
	te := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		def := echoTool()
		def.Name = name
		require.NoError(t, te.RegisterTool(def))
	}

	defs := te.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "mid", defs[1].Name)
	assert.Equal(t, "zeta", defs[2].Name)
}

func TestTruncateOutput(t *testing.T) {
	short, truncated := TruncateOutput("abc")
	assert.Equal(t, "abc", short)
	assert.False(t, truncated)

	long := strings.Repeat("é", MaxOutputSize)
	out, truncated := TruncateOutput(long)
	assert.True(t, truncated)
	assert.True(t, strings.HasSuffix(out, "[output truncated]"))
	assert.LessOrEqual(t, len(out), MaxOutputSize+len("\n... [output truncated]"))
}

func TestToolResult_Text(t *testing.T) {
	tests := []struct {
		result ToolResult
		want   string
	}{
		{ToolResult{Success: true, Output: "ok"}, "ok"},
		{ToolResult{Error: "down"}, "Error: down"},
		{ToolResult{Error: "down", Output: "details"}, "Error: down\ndetails"},
		{ToolResult{Error: "same", Output: "same"}, "Error: same"},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Text())
		})
	}
}

func TestToolResult_Err(t *testing.T) {
	assert.NoError(t, ToolResult{Tool: "echo", Success: true, Output: "ok"}.Err())

	err := ToolResult{Tool: "get_balance", Error: "connection refused"}.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrToolExecution)
	assert.Contains(t, err.Error(), "get_balance")
	assert.Contains(t, err.Error(), "connection refused")
}
