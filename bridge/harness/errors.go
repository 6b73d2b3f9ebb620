package harness

import (
	"errors"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

var (
	ErrToolNotFound        = errors.New("tool not found")
	ErrDuplicateName       = errors.New("tool name already registered")
	ErrRegistrySealed      = errors.New("registry is sealed")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionBusy         = errors.New("session has a turn in progress")
	ErrSessionNotResumable = errors.New("session failed and cannot be resumed")
	ErrInvariantViolation  = errors.New("invariant violation")
)

// SchemaError lists every violation found while validating a payload.
type SchemaError struct {
	Violations []ports.Violation
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", v.Path, v.Detail, v.Rule))
	}
	return "schema violation: " + strings.Join(parts, "; ")
}

// TransportFault wraps a failure of the inference transport. Surfaced reports whether any
// part of the failing turn had already been delivered to the caller.
type TransportFault struct {
	Err      error
	Surfaced bool
}

func (e *TransportFault) Error() string { return "transport fault: " + e.Err.Error() }
func (e *TransportFault) Unwrap() error { return e.Err }

// FailureReason classifies why a conversation ended in the Failed state.
type FailureReason string

const (
	FailureCancelled FailureReason = "cancelled"
	FailureTransport FailureReason = "transport"
	FailureDecode    FailureReason = "decode"
	FailureInvariant FailureReason = "invariant"
)

// Failure is the terminal error of a failed conversation.
type Failure struct {
	Reason FailureReason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return string(f.Reason) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }
