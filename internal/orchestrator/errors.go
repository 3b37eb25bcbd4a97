package orchestrator

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier carried on terminal
// SSE error events, so callers can branch on it without parsing prose.
type Code string

const (
	CodePoolExhausted      Code = "pool-exhausted-and-create-failed"
	CodeSandboxUnhealthy   Code = "sandbox-unhealthy"
	CodeRegistryUnavailable Code = "registry-unavailable"
	CodeAgentDisconnect    Code = "agent-disconnect"
	CodeObjectStoreUnavailable Code = "object-store-unavailable"
	CodeShuttingDown       Code = "shutting-down"
	CodeInternal           Code = "internal"
)

// CodedError pairs a stable Code with the underlying error, so both
// errors.Is/errors.Unwrap callers and the SSE encoder (which needs the
// stable string for the error event payload) are served by one type.
type CodedError struct {
	Code Code
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// Coded wraps err with code, or returns nil if err is nil.
func Coded(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// codeOf extracts the stable Code from err, defaulting to CodeInternal for
// errors this package did not originate.
func codeOf(err error) Code {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}
