package policy

import (
	"errors"
	"fmt"
)

var (
	ErrClosed            = errors.New("policy closed")
	ErrEngineClosed      = errors.New("engine closed")
	ErrUnknownEntrypoint = errors.New("unknown entrypoint")
	ErrUnsupportedABI    = errors.New("unsupported ABI version")
	ErrMissingExport     = errors.New("missing export")
	ErrMemoryExhausted   = errors.New("memory exhausted")
	ErrInvalidJSON       = errors.New("failed to parse json value")
)

// AbortError is returned when the guest calls opa_abort.
type AbortError struct {
	Message string
}

func (e *AbortError) Error() string {
	return "policy aborted: " + e.Message
}

// BuiltinError is returned when a host builtin is missing or fails.
type BuiltinError struct {
	ID   int32
	Name string
	Err  error
}

func (e *BuiltinError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("not implemented: built-in function %d: %s", e.ID, e.Name)
	}
	return fmt.Sprintf("built-in function %s: %v", e.Name, e.Err)
}

func (e *BuiltinError) Unwrap() error {
	return e.Err
}
