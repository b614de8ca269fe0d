package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithSessionKey(ctx, "mcp-session-1")
	ctx = WithUserID(ctx, "9999999999")

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "mcp-session-1", tc.SessionKey)
	assert.Equal(t, "9999999999", tc.UserID)
	assert.Empty(t, tc.TurnID)

	clone := NewContext(context.Background(), tc)
	assert.Equal(t, "trace-1", GetTraceID(clone))
	assert.Equal(t, "9999999999", GetUserID(clone))
}

func TestNewTurnContext(t *testing.T) {
	t.Run("generates trace when missing", func(t *testing.T) {
		ctx := NewTurnContext(context.Background())
		assert.NotEmpty(t, GetTraceID(ctx))
		assert.NotEmpty(t, GetTurnID(ctx))
	})

	t.Run("keeps caller trace", func(t *testing.T) {
		ctx := NewTurnContext(WithTraceID(context.Background(), "outer"))
		assert.Equal(t, "outer", GetTraceID(ctx))
	})

	t.Run("distinct turn ids", func(t *testing.T) {
		base := NewRequestContext(context.Background())
		assert.NotEqual(t, GetTurnID(NewTurnContext(base)), GetTurnID(NewTurnContext(base)))
	})
}

func TestMergeContext(t *testing.T) {
	source := WithUserID(WithTraceID(context.Background(), "t"), "u")
	target := WithTraceID(context.Background(), "mine")

	merged := MergeContext(target, source)
	assert.Equal(t, "mine", GetTraceID(merged))
	assert.Equal(t, "u", GetUserID(merged))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTurnID(WithTraceID(context.Background(), "trace-9"), "turn-3")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"trace_id":"trace-9"`)
	assert.Contains(t, out, `"turn_id":"turn-3"`)
	assert.NotContains(t, out, "user_id")
}

func TestStartSpanSetsTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(context.Background(), Options{ServiceName: "finagent-test"}))
	ctx, span := StartSpan(context.Background(), "finagent.test", "test.span")
	defer span.End()

	assert.NotEmpty(t, GetTraceID(ctx))
}
