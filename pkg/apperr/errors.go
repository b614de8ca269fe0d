// Package apperr defines the error taxonomy shared by the assistant core.
//
// Only ErrBackendUnavailable is allowed to terminate a session bootstrap or a
// turn. The other conditions are folded into model-visible tool output.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable is returned when the model or the tool backend cannot be reached
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrToolExecution is returned when a single tool call fails
	ErrToolExecution = errors.New("tool execution failed")

	// ErrValidation is returned when tool arguments violate a data model invariant
	ErrValidation = errors.New("validation failed")

	// ErrAuthRequired marks the transitional login_required state of the identity probe
	ErrAuthRequired = errors.New("authentication required")
)

// ValidationError reports which context section was rejected and why.
type ValidationError struct {
	Section string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed for section '%s': %s", e.Section, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match a *ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ToolFailure reports a failed tool call with the diagnostic shown to the model.
func ToolFailure(tool, diagnostic string) error {
	return fmt.Errorf("%s: %w: %s", tool, ErrToolExecution, diagnostic)
}

// LoginPending wraps err for a session that ended while waiting for the
// user to log in.
func LoginPending(err error) error {
	return fmt.Errorf("%w: %w", ErrAuthRequired, err)
}

// Unavailable wraps err as a backend failure for the named backend.
func Unavailable(backend string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", backend, ErrBackendUnavailable)
	}
	return fmt.Errorf("%s: %w: %w", backend, ErrBackendUnavailable, err)
}
