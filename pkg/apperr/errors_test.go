package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := &ValidationError{Section: "goals", Reason: "must be a mapping"}

	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrBackendUnavailable))
	assert.Contains(t, err.Error(), "goals")

	wrapped := fmt.Errorf("update context: %w", err)
	var ve *ValidationError
	assert.True(t, errors.As(wrapped, &ve))
	assert.Equal(t, "goals", ve.Section)
}

func TestUnavailable(t *testing.T) {
	err := Unavailable("model", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "model")

	bare := Unavailable("tools", nil)
	assert.True(t, errors.Is(bare, ErrBackendUnavailable))
}

func TestToolFailure(t *testing.T) {
	err := ToolFailure("get_balance", "timeout")
	assert.True(t, errors.Is(err, ErrToolExecution))
	assert.False(t, errors.Is(err, ErrBackendUnavailable))
	assert.Equal(t, "get_balance: tool execution failed: timeout", err.Error())
}

func TestLoginPending(t *testing.T) {
	err := LoginPending(context.Canceled)
	assert.True(t, errors.Is(err, ErrAuthRequired))
	assert.True(t, errors.Is(err, context.Canceled))
}
