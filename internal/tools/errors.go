package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound is returned when a call names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrDuplicateTool is returned when a built-in is registered twice.
	ErrDuplicateTool = errors.New("duplicate tool")

	// ErrInvalidToolName is returned for names a model cannot call.
	ErrInvalidToolName = errors.New("invalid tool name")
)

// InvalidArgumentsError reports arguments that do not satisfy a tool's schema.
type InvalidArgumentsError struct {
	Tool  string
	Cause error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Cause)
}

func (e *InvalidArgumentsError) Unwrap() error {
	return e.Cause
}

// IsInvalidArguments reports whether err is an InvalidArgumentsError.
func IsInvalidArguments(err error) bool {
	var target *InvalidArgumentsError
	return errors.As(err, &target)
}
